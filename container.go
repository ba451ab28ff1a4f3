package mirror

import (
	"sort"
	"strconv"
)

// container is the storage behind a Handle. Stored values are nil, bool,
// float64, string or *container.
type container struct {
	id     string
	array  bool
	keys   map[string]interface{}
	items  []interface{}
	clocks ClockTable
	handle *Handle
	lock   *lockRecord
	// floor is the greatest replace clock seen, which gates later replaces
	// even once the sequence is empty.
	floor *Clock
	// fresh marks containers that arrived by init and have not yet survived a
	// collection.
	fresh bool
}

func newContainer(n *Node, id string, array bool) *container {
	c := &container{id: id, array: array}
	if array {
		c.clocks = ClockTable{Array: true}
	} else {
		c.keys = map[string]interface{}{}
		c.clocks = ClockTable{Keys: map[string]Clock{}}
	}
	c.handle = &Handle{node: n, c: c}
	return c
}

func (c *container) length() int {
	if c.array {
		return len(c.items)
	}
	return len(c.keys)
}

// properties lists present properties in a stable order.
func (c *container) properties() []string {
	if c.array {
		props := make([]string, len(c.items))
		for i := range c.items {
			props[i] = strconv.Itoa(i)
		}
		return props
	}
	props := make([]string, 0, len(c.keys))
	for k := range c.keys {
		props = append(props, k)
	}
	sort.Strings(props)
	return props
}

// get reports a property's value. Array holes are absent.
func (c *container) get(property string) (interface{}, bool) {
	if c.array {
		i, ok := index(property)
		if !ok || i >= len(c.items) {
			return nil, false
		}
		return c.items[i], c.items[i] != nil
	}
	v, ok := c.keys[property]
	return v, ok
}

// within reports whether property addresses an existing slot, hole or not.
func (c *container) within(property string) bool {
	if c.array {
		i, ok := index(property)
		return ok && i < len(c.items)
	}
	_, ok := c.keys[property]
	return ok
}

func (c *container) put(property string, v interface{}) bool {
	if c.array {
		i, ok := index(property)
		if !ok {
			return false
		}
		c.grow(i + 1)
		c.items[i] = v
		return true
	}
	c.keys[property] = v
	return true
}

// remove drops a property. Array slots become holes so indexes stay put.
func (c *container) remove(property string) {
	if c.array {
		if i, ok := index(property); ok && i < len(c.items) {
			c.items[i] = nil
		}
		return
	}
	delete(c.keys, property)
}

func (c *container) clock(property string) *Clock {
	return c.clocks.Get(property)
}

func (c *container) setClock(property string, clock *Clock) {
	if c.array {
		i, ok := index(property)
		if !ok {
			return
		}
		c.grow(i + 1)
		if clock == nil {
			c.clocks.Items[i] = nil
			return
		}
		cc := *clock
		c.clocks.Items[i] = &cc
		return
	}
	if clock == nil {
		delete(c.clocks.Keys, property)
		return
	}
	c.clocks.Keys[property] = *clock
}

func (c *container) grow(n int) {
	for len(c.items) < n {
		c.items = append(c.items, nil)
	}
	for len(c.clocks.Items) < len(c.items) {
		c.clocks.Items = append(c.clocks.Items, nil)
	}
}

// children returns the containers directly referenced by c.
func (c *container) children() []*container {
	var out []*container
	visit := func(v interface{}) {
		if child, ok := v.(*container); ok {
			out = append(out, child)
		}
	}
	if c.array {
		for _, v := range c.items {
			visit(v)
		}
	} else {
		for _, k := range c.properties() {
			visit(c.keys[k])
		}
	}
	return out
}

// flatten returns the network form of c's fields.
func (c *container) flatten() interface{} {
	if c.array {
		out := make([]interface{}, len(c.items))
		for i, v := range c.items {
			out[i] = wire(v)
		}
		return out
	}
	out := make(map[string]interface{}, len(c.keys))
	for k, v := range c.keys {
		out[k] = wire(v)
	}
	return out
}

func (c *container) clockTable() ClockTable {
	return copyClocks(c.clocks)
}

// high is the clock a replace must follow.
func (c *container) high() *Clock {
	m := c.clocks.max()
	if Precedes(m, c.floor) {
		return c.floor
	}
	return m
}

// nextClock is the clock for a local write to property. It follows both the
// property's own clock and the last replace.
func (c *container) nextClock(property, host string) *Clock {
	base := c.clock(property)
	if Precedes(base, c.floor) {
		base = c.floor
	}
	return next(base, host)
}

// follows reports whether a write to property at clock supersedes both the
// property's stored clock and the last replace.
func (c *container) follows(property string, clock *Clock) bool {
	return Precedes(c.clock(property), clock) && Precedes(c.floor, clock)
}

func (c *container) raiseFloor(clock *Clock) {
	if Precedes(c.floor, clock) {
		cc := *clock
		c.floor = &cc
	}
}

func copyClocks(t ClockTable) ClockTable {
	if t.Array {
		items := make([]*Clock, len(t.Items))
		for i, c := range t.Items {
			if c != nil {
				cc := *c
				items[i] = &cc
			}
		}
		return ClockTable{Array: true, Items: items}
	}
	keys := make(map[string]Clock, len(t.Keys))
	for k, c := range t.Keys {
		keys[k] = c
	}
	return ClockTable{Keys: keys}
}

// wire converts a stored value to its network-safe form.
func wire(v interface{}) interface{} {
	if c, ok := v.(*container); ok {
		return Ref(c.id)
	}
	return v
}
