package mirror

import (
	"fmt"
	"strconv"
)

// A Handle is the application's view of one container. Reads see the
// current local state; writes apply locally, notify listeners and
// replicate. A container has exactly one Handle, so handles can be
// compared with ==.
type Handle struct {
	node *Node
	c    *container
}

// ID is the container's network-wide identifier.
func (h *Handle) ID() string { return h.c.id }

// Node returns the node that owns the container.
func (h *Handle) Node() *Node { return h.node }

// IsArray reports whether the container is a sequence.
func (h *Handle) IsArray() bool { return h.c.array }

func (h *Handle) String() string {
	if h.c.array {
		return "array(" + h.c.id + ")"
	}
	return "object(" + h.c.id + ")"
}

// Len returns the number of properties, or the sequence length.
func (h *Handle) Len() int {
	h.node.mu.Lock()
	defer h.node.mu.Unlock()
	return h.c.length()
}

// Keys lists the properties. Object keys are sorted; array keys are every
// index in order, holes included.
func (h *Handle) Keys() []string {
	h.node.mu.Lock()
	defer h.node.mu.Unlock()
	return h.c.properties()
}

// Lookup returns a property and whether it is present. A sequence hole is
// absent. Containers are returned as *Handle.
func (h *Handle) Lookup(property string) (interface{}, bool) {
	h.node.mu.Lock()
	defer h.node.mu.Unlock()
	v, ok := h.c.get(property)
	return read(v), ok
}

// Get returns a property, or nil if absent.
func (h *Handle) Get(property string) interface{} {
	v, _ := h.Lookup(property)
	return v
}

// At returns the element at index i of a sequence, or nil.
func (h *Handle) At(i int) interface{} {
	return h.Get(strconv.Itoa(i))
}

// Clock returns the clock of the last write accepted for property.
func (h *Handle) Clock(property string) *Clock {
	h.node.mu.Lock()
	defer h.node.mu.Unlock()
	c := h.c.clock(property)
	if c == nil {
		return nil
	}
	cc := *c
	return &cc
}

// Set writes a property. Writing the value already stored is a no-op.
func (h *Handle) Set(property string, v interface{}) error {
	return h.node.assign(h.c, property, v)
}

// SetAt writes index i of a sequence, extending it with holes if needed.
func (h *Handle) SetAt(i int, v interface{}) error {
	if i < 0 {
		return fmt.Errorf("%w: negative index %d", ErrValidation, i)
	}
	return h.node.assign(h.c, strconv.Itoa(i), v)
}

// Delete removes a property. Deleting a sequence element leaves a hole.
func (h *Handle) Delete(property string) error {
	return h.node.remove(h.c, property)
}

// On registers fn for changes to one property of this container.
func (h *Handle) On(property string, fn Listener) Subscription {
	return h.node.On(PropertyEvent(h.c.id, property), fn)
}

// OnAny registers fn for every change to this container.
func (h *Handle) OnAny(fn Listener) Subscription {
	return h.node.On(ContainerEvent(h.c.id), fn)
}

// Off removes a listener registered with On or OnAny.
func (h *Handle) Off(s Subscription) {
	h.node.Off(s)
}

// Plain returns a deep copy built from map[string]interface{} and
// []interface{}. Shared and cyclic references are preserved.
func (h *Handle) Plain() interface{} {
	h.node.mu.Lock()
	defer h.node.mu.Unlock()
	return plain(h.c, map[*container]interface{}{})
}

func plain(c *container, seen map[*container]interface{}) interface{} {
	if p, ok := seen[c]; ok {
		return p
	}
	if c.array {
		out := make([]interface{}, len(c.items))
		seen[c] = out
		for i, v := range c.items {
			out[i] = plainValue(v, seen)
		}
		return out
	}
	out := make(map[string]interface{}, len(c.keys))
	seen[c] = out
	for k, v := range c.keys {
		out[k] = plainValue(v, seen)
	}
	return out
}

func plainValue(v interface{}, seen map[*container]interface{}) interface{} {
	if c, ok := v.(*container); ok {
		return plain(c, seen)
	}
	return v
}

func (n *Node) assign(c *container, property string, v interface{}) error {
	return n.run(func() error {
		if err := n.writable(c); err != nil {
			return err
		}
		if c.array {
			if _, ok := index(property); !ok {
				return fmt.Errorf("%w: %q is not an array index", ErrValidation, property)
			}
		}
		var created []*container
		stored, err := n.intern(v, &created)
		if err != nil {
			return err
		}
		prev, _ := c.get(property)
		if prev == stored && len(created) == 0 && c.within(property) {
			return nil
		}
		c.put(property, stored)
		n.changed(c, property, stored, prev)
		clock := c.nextClock(property, n.hostname)
		c.setClock(property, clock)
		n.announce(created)
		n.queue(&Message{Op: OpAssign, ID: c.id, Property: property, Value: wire(stored), Vector: clock})
		if _, ok := prev.(*container); ok {
			n.scheduleGC()
		}
		return nil
	})
}

func (n *Node) remove(c *container, property string) error {
	return n.run(func() error {
		if err := n.writable(c); err != nil {
			return err
		}
		prev, had := c.get(property)
		if !had {
			return nil
		}
		c.remove(property)
		n.changed(c, property, nil, prev)
		clock := c.nextClock(property, n.hostname)
		c.setClock(property, clock)
		n.queue(&Message{Op: OpDelete, ID: c.id, Property: property, Vector: clock})
		if _, ok := prev.(*container); ok {
			n.scheduleGC()
		}
		return nil
	})
}

// writable fails if another node holds an exclusive claim on c.
func (n *Node) writable(c *container) error {
	if c.lock != nil && c.lock.host != n.hostname {
		return fmt.Errorf("%w: %s held by %s", ErrLockViolation, c.id, c.lock.host)
	}
	return nil
}
