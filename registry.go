package mirror

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/go-kit/log/level"
)

// pendingRef is a property waiting for a container this node has not seen.
type pendingRef struct {
	root   bool
	target *container
	key    string
	clock  *Clock
	// call marks a deferred call, which is replayed rather than backfilled.
	call bool
}

type deferredCall struct {
	m       *Message
	missing map[string]bool
}

type visit struct {
	ptr uintptr
	typ reflect.Type
	len int
}

// intern converts a caller-supplied value to its stored form. New
// containers are registered and appended to created so they can be
// announced with a single init.
func (n *Node) intern(v interface{}, created *[]*container) (interface{}, error) {
	mark := len(*created)
	stored, err := n.internSeen(v, map[visit]*container{}, created)
	if err != nil {
		for _, c := range (*created)[mark:] {
			delete(n.objects, c.id)
		}
		*created = (*created)[:mark]
		return nil, err
	}
	return stored, nil
}

func (n *Node) internSeen(v interface{}, seen map[visit]*container, created *[]*container) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string, float64:
		return x, nil
	case *Handle:
		if x == nil {
			return nil, nil
		}
		if x.node != n {
			return nil, fmt.Errorf("%w: %w", ErrSerialization, ErrForeignHandle)
		}
		n.revive(x.c, created)
		return x.c, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key type %s", ErrSerialization, rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		key := visit{ptr: rv.Pointer(), typ: rv.Type()}
		if c, ok := seen[key]; ok {
			return c, nil
		}
		c := n.register(false)
		seen[key] = c
		*created = append(*created, c)
		iter := rv.MapRange()
		for iter.Next() {
			stored, err := n.internSeen(iter.Value().Interface(), seen, created)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", iter.Key().String(), err)
			}
			k := iter.Key().String()
			c.keys[k] = stored
			c.clocks.Keys[k] = NewClock(n.hostname)
		}
		return c, nil
	case reflect.Slice, reflect.Array:
		var key visit
		if rv.Kind() == reflect.Slice {
			key = visit{ptr: rv.Pointer(), typ: rv.Type(), len: rv.Len()}
			if c, ok := seen[key]; ok && key.ptr != 0 {
				return c, nil
			}
		}
		c := n.register(true)
		if rv.Kind() == reflect.Slice && key.ptr != 0 {
			seen[key] = c
		}
		*created = append(*created, c)
		c.grow(rv.Len())
		for i := 0; i < rv.Len(); i++ {
			stored, err := n.internSeen(rv.Index(i).Interface(), seen, created)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			c.items[i] = stored
			clock := NewClock(n.hostname)
			c.clocks.Items[i] = &clock
		}
		return c, nil
	case reflect.Interface, reflect.Ptr:
		if rv.IsNil() {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("%w: %T", ErrSerialization, v)
}

func (n *Node) register(array bool) *container {
	c := newContainer(n, n.newID(), array)
	n.objects[c.id] = c
	return c
}

// revive re-registers a container (and its unregistered descendants) that
// was collected while the caller still held its handle.
func (n *Node) revive(c *container, created *[]*container) {
	stack := []*container{c}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.objects[c.id] == c {
			continue
		}
		n.objects[c.id] = c
		*created = append(*created, c)
		stack = append(stack, c.children()...)
	}
}

// announce queues an init for freshly registered containers.
func (n *Node) announce(created []*container) {
	if len(created) == 0 {
		return
	}
	m := &Message{
		Op:      OpInit,
		Members: make(map[string]interface{}, len(created)),
		Vectors: make(map[string]ClockTable, len(created)),
	}
	for _, c := range created {
		m.Members[c.id] = c.flatten()
		m.Vectors[c.id] = c.clockTable()
	}
	n.queue(m)
}

// resolve converts a network value to stored form. References to unknown
// containers are recorded against target[property] and report false.
func (n *Node) resolve(v interface{}, target *container, property string) (interface{}, bool) {
	if id, ok := RefID(v); ok {
		if c := n.objects[id]; c != nil {
			return c, true
		}
		n.lazyRef(id, pendingRef{target: target, key: property, clock: target.clock(property)})
		return nil, false
	}
	return scalar(v), true
}

// scalar normalizes a decoded primitive. Anything that is not a primitive
// or a reference is malformed and reads as nil.
func scalar(v interface{}) interface{} {
	switch x := v.(type) {
	case nil, bool, string, float64:
		return x
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	}
	return nil
}

func (n *Node) lazyRef(id string, ref pendingRef) {
	refs, ok := n.pending[id]
	if !ok {
		n.pendingCount++
		n.missing = append(n.missing, id)
	}
	n.pending[id] = append(refs, ref)
}

// requestMissing batches every id first seen while handling one message
// into a single export.
func (n *Node) requestMissing() {
	if len(n.missing) == 0 {
		return
	}
	level.Debug(n.logger).Log("msg", "requesting containers", "count", len(n.missing))
	n.queue(&Message{Op: OpExport, References: n.missing})
	n.missing = nil
}

// materialize creates containers from init/import members. Fields may
// reference each other in any order. Returns the created containers.
func (n *Node) materialize(members map[string]interface{}, vectors map[string]ClockTable, floors map[string]Clock, origin string, want func(id string) bool) []*container {
	ids := make([]string, 0, len(members))
	for id := range members {
		if want(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	created := make([]*container, 0, len(ids))
	fields := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		var array bool
		switch members[id].(type) {
		case []interface{}:
			array = true
		case map[string]interface{}:
		default:
			level.Debug(n.logger).Log("msg", "malformed member", "id", id)
			continue
		}
		c := newContainer(n, id, array)
		if vt, ok := vectors[id]; ok && vt.Array == array {
			c.clocks = copyClocks(vt)
			if !array && c.clocks.Keys == nil {
				c.clocks.Keys = map[string]Clock{}
			}
		}
		if floor, ok := floors[id]; ok {
			c.raiseFloor(&floor)
		}
		n.objects[id] = c
		created = append(created, c)
		fields = append(fields, members[id])
	}

	for i, c := range created {
		switch f := fields[i].(type) {
		case []interface{}:
			c.grow(len(f))
			c.clocks.Items = c.clocks.Items[:len(f)]
			for j, v := range f {
				prop := strconv.Itoa(j)
				if c.clocks.Items[j] == nil {
					clock := NewClock(origin)
					c.clocks.Items[j] = &clock
				}
				stored, _ := n.resolve(v, c, prop)
				c.items[j] = stored
			}
		case map[string]interface{}:
			for k, v := range f {
				if _, ok := c.clocks.Keys[k]; !ok {
					c.clocks.Keys[k] = NewClock(origin)
				}
				if stored, ok := n.resolve(v, c, k); ok {
					c.keys[k] = stored
				}
			}
		}
	}
	return created
}

// settle backfills everything that was waiting for the given containers.
func (n *Node) settle(created []*container) {
	for _, c := range created {
		refs, ok := n.pending[c.id]
		if !ok {
			continue
		}
		delete(n.pending, c.id)
		for _, ref := range refs {
			n.backfill(c, ref)
		}
		n.pendingCount--
		if n.pendingCount == 0 {
			n.event(Event{Name: EventReady, Root: read(n.root)})
			for _, ch := range n.readyWaiters {
				close(ch)
			}
			n.readyWaiters = nil
		}
	}
	n.drainDeferred()
}

func (n *Node) backfill(c *container, ref pendingRef) {
	switch {
	case ref.call:
		return
	case ref.root:
		if n.rootPending != c.id {
			return
		}
		n.root = c
		n.rootPending = ""
		n.event(Event{Name: EventRootChanged, Root: c.handle})
		return
	}
	t := ref.target
	if n.objects[t.id] != t || !sameClock(t.clock(ref.key), ref.clock) {
		return
	}
	if cur, ok := t.get(ref.key); ok && cur != nil {
		return
	}
	t.put(ref.key, c)
	n.changed(t, ref.key, c, nil)
}

func sameClock(a, b *Clock) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
