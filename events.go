package mirror

import "sort"

// Event names. Changes are also published under "change:<id>" and
// "change:<id>:<property>"; see ContainerEvent and PropertyEvent.
const (
	EventRootChanged = "root_changed"
	EventReady       = "ready"
	EventChange      = "change"
)

// ContainerEvent names the event fired for any change to one container.
func ContainerEvent(id string) string {
	return EventChange + ":" + id
}

// PropertyEvent names the event fired for a change to one property.
func PropertyEvent(id, property string) string {
	return EventChange + ":" + id + ":" + property
}

// An Event describes a state change. Target, Property, Value and Previous
// are set for change events; Property is empty when a whole sequence was
// rewritten. Root is set for root_changed and ready.
type Event struct {
	Name     string
	Target   *Handle
	Property string
	Value    interface{}
	Previous interface{}
	Root     interface{}
}

// A Listener receives events after the node has released its lock, so it
// may read or write the graph.
type Listener func(Event)

// Subscription identifies a registered listener for Off.
type Subscription struct {
	name string
	id   uint64
}

// On registers fn for the named event.
func (n *Node) On(name string, fn Listener) Subscription {
	n.lmu.Lock()
	defer n.lmu.Unlock()
	n.nextListener++
	byID, ok := n.listeners[name]
	if !ok {
		byID = map[uint64]Listener{}
		n.listeners[name] = byID
	}
	byID[n.nextListener] = fn
	return Subscription{name: name, id: n.nextListener}
}

// Off removes a listener. Removing one twice is harmless.
func (n *Node) Off(s Subscription) {
	n.lmu.Lock()
	defer n.lmu.Unlock()
	if byID, ok := n.listeners[s.name]; ok {
		delete(byID, s.id)
		if len(byID) == 0 {
			delete(n.listeners, s.name)
		}
	}
}

func (n *Node) subscribers(name string) []Listener {
	n.lmu.Lock()
	defer n.lmu.Unlock()
	byID := n.listeners[name]
	ids := make([]uint64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Listener, len(ids))
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out
}

func (n *Node) emit(events []Event) {
	for _, e := range events {
		for _, fn := range n.subscribers(e.Name) {
			fn(e)
		}
	}
}

func (n *Node) event(e Event) {
	n.events = append(n.events, e)
}

// changed queues the three events for a single property write.
func (n *Node) changed(c *container, property string, value, previous interface{}) {
	e := Event{Target: c.handle, Property: property, Value: read(value), Previous: read(previous)}
	for _, name := range []string{EventChange, ContainerEvent(c.id), PropertyEvent(c.id, property)} {
		e.Name = name
		n.event(e)
	}
}

// rewritten queues the events for a whole-sequence operation.
func (n *Node) rewritten(c *container) {
	for _, name := range []string{EventChange, ContainerEvent(c.id)} {
		n.event(Event{Name: name, Target: c.handle})
	}
}
