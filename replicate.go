package mirror

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/go-kit/log/level"
)

// Receive applies a message from a peer. Messages may arrive in any order,
// more than once, or not at all; stale writes and writes to containers this
// node does not hold are dropped silently. Only an unknown op is an error.
func (n *Node) Receive(m *Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrValidation)
	}
	return n.run(func() error {
		n.metrics.Received.With("op", string(m.Op)).Add(1)
		switch m.Op {
		case OpSync:
			n.onSync(m)
		case OpRoot:
			n.onRoot(m)
		case OpInit:
			n.onInit(m)
		case OpExport:
			n.onExport(m)
		case OpImport:
			n.onImport(m)
		case OpAssign:
			n.onAssign(m)
		case OpDelete:
			n.onDelete(m)
		case OpCall:
			n.onCall(m)
		case OpReplace:
			n.onReplace(m)
		case OpLockRequest:
			n.onLockRequest(m)
		case OpLockAck:
			n.onLockAck(m)
		case OpLockUnlock:
			n.onLockUnlock(m)
		default:
			return fmt.Errorf("%w: %q", ErrUnknownMessageOp, m.Op)
		}
		n.requestMissing()
		return nil
	})
}

func (n *Node) drop(m *Message, reason string) {
	n.metrics.Dropped.With("op", string(m.Op)).Add(1)
	level.Debug(n.logger).Log("msg", "dropped", "op", m.Op, "from", m.Hostname, "id", m.ID, "property", m.Property, "reason", reason)
}

// onSync answers with the root. A node that never held a root stays quiet.
func (n *Node) onSync(m *Message) {
	if n.rootClock == nil {
		n.drop(m, "no root")
		return
	}
	root := wire(n.root)
	if n.rootPending != "" {
		root = Ref(n.rootPending)
	}
	n.queue(&Message{Op: OpRoot, Root: root, Vector: n.rootClock})
}

func (n *Node) onRoot(m *Message) {
	if m.Vector == nil || !Precedes(n.rootClock, m.Vector) {
		n.drop(m, "stale root")
		return
	}
	clock := *m.Vector
	n.rootClock = &clock
	n.rootPending = ""
	if id, ok := RefID(m.Root); ok {
		if c := n.objects[id]; c != nil {
			n.root = c
		} else {
			n.root = nil
			n.rootPending = id
			n.lazyRef(id, pendingRef{root: true})
		}
	} else {
		n.root = scalar(m.Root)
	}
	level.Info(n.logger).Log("msg", "root replaced", "from", m.Hostname)
	n.event(Event{Name: EventRootChanged, Root: read(n.root)})
	n.scheduleGC()
}

func (n *Node) onInit(m *Message) {
	created := n.materialize(m.Members, m.Vectors, m.Floors, m.Hostname, func(id string) bool {
		return n.objects[id] == nil
	})
	for _, c := range created {
		c.fresh = true
	}
	n.settle(created)
	n.scheduleGC()
}

func (n *Node) onExport(m *Message) {
	members := map[string]interface{}{}
	vectors := map[string]ClockTable{}
	var floors map[string]Clock
	for _, id := range m.References {
		c := n.objects[id]
		if c == nil {
			continue
		}
		members[id] = c.flatten()
		vectors[id] = c.clockTable()
		if c.floor != nil {
			if floors == nil {
				floors = map[string]Clock{}
			}
			floors[id] = *c.floor
		}
	}
	if len(members) == 0 {
		n.drop(m, "nothing to export")
		return
	}
	n.queue(&Message{Op: OpImport, Members: members, Vectors: vectors, Floors: floors})
}

func (n *Node) onImport(m *Message) {
	created := n.materialize(m.Members, m.Vectors, m.Floors, m.Hostname, func(id string) bool {
		_, pending := n.pending[id]
		return pending && n.objects[id] == nil
	})
	n.settle(created)
	n.scheduleGC()
}

// target returns the resident container a write addresses.
func (n *Node) target(m *Message) *container {
	c := n.objects[m.ID]
	if c == nil {
		n.drop(m, "unknown or pending container")
		return nil
	}
	if m.Vector == nil && m.Op != OpCall {
		n.drop(m, "missing clock")
		return nil
	}
	return c
}

func (n *Node) onAssign(m *Message) {
	c := n.target(m)
	if c == nil {
		return
	}
	if c.array {
		if _, ok := index(m.Property); !ok {
			n.drop(m, "bad index")
			return
		}
	}
	if !c.follows(m.Property, m.Vector) {
		n.drop(m, "stale")
		return
	}
	prev, _ := c.get(m.Property)
	c.setClock(m.Property, m.Vector)
	stored, ok := n.resolve(m.Value, c, m.Property)
	if ok {
		c.put(m.Property, stored)
	} else {
		c.remove(m.Property)
	}
	n.changed(c, m.Property, stored, prev)
	n.scheduleGC()
}

func (n *Node) onDelete(m *Message) {
	c := n.target(m)
	if c == nil {
		return
	}
	if !c.follows(m.Property, m.Vector) {
		n.drop(m, "stale")
		return
	}
	prev, _ := c.get(m.Property)
	c.setClock(m.Property, m.Vector)
	c.remove(m.Property)
	n.changed(c, m.Property, nil, prev)
	n.scheduleGC()
}

// onReplace applies a replace wherever it is the newest write. It is dropped
// whole if an equal or later replace was already seen; otherwise each
// property written after it keeps its value and the rest take the replace's.
func (n *Node) onReplace(m *Message) {
	c := n.target(m)
	if c == nil {
		return
	}
	if !Precedes(c.floor, m.Vector) {
		n.drop(m, "stale")
		return
	}
	switch values := m.Values.(type) {
	case []interface{}:
		if !c.array {
			n.drop(m, "shape mismatch")
			return
		}
		c.raiseFloor(m.Vector)
		n.mergeItems(c, values, m.Vector)
	case map[string]interface{}:
		if c.array {
			n.drop(m, "shape mismatch")
			return
		}
		c.raiseFloor(m.Vector)
		n.mergeKeys(c, values, m.Vector)
	default:
		n.drop(m, "malformed values")
		return
	}
	n.rewritten(c)
	n.scheduleGC()
}

func (n *Node) mergeItems(c *container, values []interface{}, vector *Clock) {
	items, clocks := c.items, c.clocks.Items
	length := len(values)
	for i := length; i < len(clocks); i++ {
		if Precedes(vector, clocks[i]) {
			length = i + 1
		}
	}
	c.items, c.clocks.Items = nil, nil
	c.grow(length)
	for i := 0; i < length; i++ {
		property := strconv.Itoa(i)
		switch {
		case i < len(clocks) && Precedes(vector, clocks[i]):
			c.items[i] = items[i]
			c.setClock(property, clocks[i])
		case i < len(values):
			c.setClock(property, vector)
			c.items[i], _ = n.resolve(values[i], c, property)
		}
	}
}

func (n *Node) mergeKeys(c *container, values map[string]interface{}, vector *Clock) {
	keys, clocks := c.keys, c.clocks.Keys
	c.keys, c.clocks.Keys = map[string]interface{}{}, map[string]Clock{}
	for k, clock := range clocks {
		clock := clock
		if !Precedes(vector, &clock) {
			continue
		}
		c.clocks.Keys[k] = clock
		if v, ok := keys[k]; ok {
			c.keys[k] = v
		}
	}
	props := make([]string, 0, len(values))
	for k := range values {
		if _, kept := c.clocks.Keys[k]; !kept {
			props = append(props, k)
		}
	}
	sort.Strings(props)
	for _, k := range props {
		c.setClock(k, vector)
		if stored, ok := n.resolve(values[k], c, k); ok {
			c.keys[k] = stored
		}
	}
}

func (n *Node) onCall(m *Message) {
	c := n.target(m)
	if c == nil {
		return
	}
	op, ok := sequenceOps[m.Name]
	if !ok || !c.array {
		n.drop(m, "unknown call")
		return
	}
	if c.lock == nil || c.lock.host != m.Host {
		level.Debug(n.logger).Log("msg", "call without a known lock", "id", c.id, "host", m.Host)
	}
	missing := map[string]bool{}
	for i, p := range m.Parameters {
		if !op.isValue(i) {
			continue
		}
		if id, ok := RefID(p); ok && n.objects[id] == nil {
			missing[id] = true
			n.lazyRef(id, pendingRef{call: true})
		}
	}
	if len(missing) > 0 || len(n.deferred[c.id]) > 0 {
		n.deferred[c.id] = append(n.deferred[c.id], &deferredCall{m: m, missing: missing})
		return
	}
	n.replay(c, op, m)
}

func (n *Node) replay(c *container, op sequenceOp, m *Message) {
	args := make([]interface{}, len(m.Parameters))
	for i, p := range m.Parameters {
		if op.isValue(i) {
			if id, ok := RefID(p); ok {
				args[i] = n.objects[id]
				continue
			}
		}
		args[i] = scalar(p)
	}
	op.apply(c, m.Host, args)
	n.rewritten(c)
	n.scheduleGC()
}

// drainDeferred replays queued calls whose references have all arrived.
func (n *Node) drainDeferred() {
	for id, queue := range n.deferred {
		c := n.objects[id]
		if c == nil {
			delete(n.deferred, id)
			continue
		}
		for len(queue) > 0 {
			head := queue[0]
			for ref := range head.missing {
				if n.objects[ref] != nil {
					delete(head.missing, ref)
				}
			}
			if len(head.missing) > 0 {
				break
			}
			n.replay(c, sequenceOps[head.m.Name], head.m)
			queue = queue[1:]
		}
		if len(queue) == 0 {
			delete(n.deferred, id)
		} else {
			n.deferred[id] = queue
		}
	}
}
