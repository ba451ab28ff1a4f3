package mirror

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
)

// A sequenceOp mutates an array container and keeps its per-index clocks
// in step. host is the node the operation originated on, so replaying a
// call on a peer yields the same clocks as on the caller.
type sequenceOp struct {
	// args[valueFrom:] (or just args[valueFrom] when single) are element
	// values; the rest are numeric positions.
	valueFrom int
	single    bool
	noValues  bool
	apply     func(c *container, host string, args []interface{}) interface{}
}

var sequenceOps = map[string]sequenceOp{
	"pop":        {noValues: true, apply: seqPop},
	"push":       {apply: seqPush},
	"shift":      {noValues: true, apply: seqShift},
	"unshift":    {apply: seqUnshift},
	"splice":     {valueFrom: 2, apply: seqSplice},
	"reverse":    {noValues: true, apply: seqReverse},
	"fill":       {single: true, apply: seqFill},
	"copyWithin": {noValues: true, apply: seqCopyWithin},
	"sort":       {noValues: true, apply: seqSort},
}

func (op sequenceOp) isValue(i int) bool {
	if op.noValues {
		return false
	}
	if op.single {
		return i == op.valueFrom
	}
	return i >= op.valueFrom
}

func bump(clocks []*Clock, from, to int, host string) {
	for i := from; i < to && i < len(clocks); i++ {
		clocks[i] = next(clocks[i], host)
	}
}

func fresh(n int, host string) []*Clock {
	out := make([]*Clock, n)
	for i := range out {
		c := NewClock(host)
		out[i] = &c
	}
	return out
}

func seqPop(c *container, host string, args []interface{}) interface{} {
	last := len(c.items) - 1
	if last < 0 {
		return nil
	}
	v := c.items[last]
	c.items = c.items[:last]
	c.clocks.Items = c.clocks.Items[:last]
	return v
}

func seqPush(c *container, host string, args []interface{}) interface{} {
	c.items = append(c.items, args...)
	c.clocks.Items = append(c.clocks.Items, fresh(len(args), host)...)
	return float64(len(c.items))
}

func seqShift(c *container, host string, args []interface{}) interface{} {
	if len(c.items) == 0 {
		return nil
	}
	v := c.items[0]
	c.items = append([]interface{}(nil), c.items[1:]...)
	c.clocks.Items = append([]*Clock(nil), c.clocks.Items[1:]...)
	bump(c.clocks.Items, 0, len(c.clocks.Items), host)
	return v
}

func seqUnshift(c *container, host string, args []interface{}) interface{} {
	items := make([]interface{}, 0, len(args)+len(c.items))
	items = append(append(items, args...), c.items...)
	clocks := make([]*Clock, 0, len(items))
	clocks = append(append(clocks, fresh(len(args), host)...), c.clocks.Items...)
	bump(clocks, len(args), len(clocks), host)
	c.items, c.clocks.Items = items, clocks
	return float64(len(items))
}

func seqSplice(c *container, host string, args []interface{}) interface{} {
	length := len(c.items)
	if len(args) == 0 {
		return []interface{}{}
	}
	start := relative(args[0], length, 0)
	count := length - start
	if len(args) > 1 {
		count = clamp(toInt(args[1], 0), 0, length-start)
	}
	var values []interface{}
	if len(args) > 2 {
		values = args[2:]
	}
	removed := append([]interface{}(nil), c.items[start:start+count]...)

	items := make([]interface{}, 0, length-count+len(values))
	items = append(items, c.items[:start]...)
	items = append(items, values...)
	items = append(items, c.items[start+count:]...)

	clocks := make([]*Clock, 0, len(items))
	clocks = append(clocks, c.clocks.Items[:start]...)
	clocks = append(clocks, make([]*Clock, len(values))...)
	clocks = append(clocks, c.clocks.Items[start+count:]...)
	bump(clocks, start, len(clocks), host)

	c.items, c.clocks.Items = items, clocks
	return removed
}

func seqReverse(c *container, host string, args []interface{}) interface{} {
	for i, j := 0, len(c.items)-1; i < j; i, j = i+1, j-1 {
		c.items[i], c.items[j] = c.items[j], c.items[i]
	}
	bump(c.clocks.Items, 0, len(c.clocks.Items), host)
	return nil
}

func seqFill(c *container, host string, args []interface{}) interface{} {
	length := len(c.items)
	var v interface{}
	if len(args) > 0 {
		v = args[0]
	}
	start, end := 0, length
	if len(args) > 1 {
		start = relative(args[1], length, 0)
	}
	if len(args) > 2 {
		end = relative(args[2], length, length)
	}
	for i := start; i < end; i++ {
		c.items[i] = v
	}
	bump(c.clocks.Items, start, end, host)
	return nil
}

func seqCopyWithin(c *container, host string, args []interface{}) interface{} {
	length := len(c.items)
	to, from, end := 0, 0, length
	if len(args) > 0 {
		to = relative(args[0], length, 0)
	}
	if len(args) > 1 {
		from = relative(args[1], length, 0)
	}
	if len(args) > 2 {
		end = relative(args[2], length, length)
	}
	count := end - from
	if length-to < count {
		count = length - to
	}
	if count <= 0 {
		return nil
	}
	copy(c.items[to:to+count], c.items[from:from+count])
	bump(c.clocks.Items, to, to+count, host)
	return nil
}

func seqSort(c *container, host string, args []interface{}) interface{} {
	if len(args) > 0 {
		if o, ok := args[0].(ordering); ok {
			for i, j := range o.order {
				c.items[i] = o.before[j]
			}
			bump(c.clocks.Items, 0, len(c.clocks.Items), host)
			return nil
		}
	}
	sort.SliceStable(c.items, func(i, j int) bool { return compareValues(c.items[i], c.items[j]) < 0 })
	bump(c.clocks.Items, 0, len(c.clocks.Items), host)
	return nil
}

// An ordering is a custom sort computed outside the node lock: order[i] is
// the index in before of the element that moves to i.
type ordering struct {
	before []interface{}
	order  []int
}

// errReordered means the sequence changed while a custom ordering was being
// computed.
var errReordered = errors.New("mirror: sequence changed during sort")

func (o ordering) current(items []interface{}) bool {
	if len(items) != len(o.before) {
		return false
	}
	for i, v := range items {
		if v != o.before[i] {
			return false
		}
	}
	return true
}

// relative resolves a possibly-negative position against length.
func relative(v interface{}, length, def int) int {
	i := toInt(v, def)
	if i < 0 {
		i += length
	}
	return clamp(i, 0, length)
}

func clamp(i, lo, hi int) int {
	if i < lo {
		return lo
	}
	if i > hi {
		return hi
	}
	return i
}

func toInt(v interface{}, def int) int {
	if v == nil {
		return def
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return int(rv.Float())
	}
	return def
}

// compareValues is the default sequence order: nil, false, true, numbers,
// strings, then containers by id.
func compareValues(a, b interface{}) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		if x == y {
			return 0
		} else if !x {
			return -1
		}
		return 1
	case float64:
		y := b.(float64)
		if x < y {
			return -1
		} else if x > y {
			return 1
		}
		return 0
	case string:
		y := b.(string)
		if x < y {
			return -1
		} else if x > y {
			return 1
		}
		return 0
	case *container:
		y := b.(*container)
		if x.id < y.id {
			return -1
		} else if x.id > y.id {
			return 1
		}
		return 0
	}
	return 0
}

func rank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	}
	return 4
}

// Invoke runs a named sequence operation: pop, push, shift, unshift,
// splice, reverse, fill, copyWithin or sort. While this node holds the
// container's exclusive lock the operation is replicated as a call, which
// peers replay; otherwise the resulting contents are replicated as a
// replace carrying one clock for every index.
func (h *Handle) Invoke(name string, args ...interface{}) (interface{}, error) {
	if name == "sort" && len(args) > 0 {
		if less, ok := args[0].(func(a, b interface{}) bool); ok && less != nil {
			return nil, h.Sort(less)
		}
	}
	return h.node.invoke(h.c, name, args)
}

// Method returns Invoke bound to name, and whether name is a sequence
// operation on this container.
func (h *Handle) Method(name string) (func(args ...interface{}) (interface{}, error), bool) {
	if _, ok := sequenceOps[name]; !ok || !h.c.array {
		return nil, false
	}
	return func(args ...interface{}) (interface{}, error) {
		return h.Invoke(name, args...)
	}, true
}

// Push appends values and returns the new length.
func (h *Handle) Push(values ...interface{}) (int, error) {
	n, err := h.Invoke("push", values...)
	if err != nil {
		return 0, err
	}
	return toInt(n, 0), nil
}

// Pop removes and returns the last element.
func (h *Handle) Pop() (interface{}, error) {
	return h.Invoke("pop")
}

// Shift removes and returns the first element.
func (h *Handle) Shift() (interface{}, error) {
	return h.Invoke("shift")
}

// Unshift prepends values and returns the new length.
func (h *Handle) Unshift(values ...interface{}) (int, error) {
	n, err := h.Invoke("unshift", values...)
	if err != nil {
		return 0, err
	}
	return toInt(n, 0), nil
}

// Splice removes deleteCount elements at start, inserts values there, and
// returns the removed elements. A negative start counts from the end.
func (h *Handle) Splice(start, deleteCount int, values ...interface{}) ([]interface{}, error) {
	args := append([]interface{}{start, deleteCount}, values...)
	removed, err := h.Invoke("splice", args...)
	if err != nil {
		return nil, err
	}
	out, _ := removed.([]interface{})
	return out, nil
}

// Reverse reverses the sequence in place.
func (h *Handle) Reverse() error {
	_, err := h.Invoke("reverse")
	return err
}

// Fill sets every element in [start, end) to v. bounds holds an optional
// start and end, negative values counting from the end.
func (h *Handle) Fill(v interface{}, bounds ...int) error {
	args := []interface{}{v}
	for _, b := range bounds {
		args = append(args, b)
	}
	_, err := h.Invoke("fill", args...)
	return err
}

// CopyWithin copies the elements in [start, end) to target.
func (h *Handle) CopyWithin(target int, bounds ...int) error {
	args := []interface{}{target}
	for _, b := range bounds {
		args = append(args, b)
	}
	_, err := h.Invoke("copyWithin", args...)
	return err
}

// Sort sorts the sequence. A nil less uses the default value order and can
// be replicated as a call; a custom less is always replicated as a replace.
// less is called without the node lock held, so it may read the elements
// it is given.
func (h *Handle) Sort(less func(a, b interface{}) bool) error {
	if less == nil {
		_, err := h.node.invoke(h.c, "sort", nil)
		return err
	}
	for {
		h.node.mu.Lock()
		before := append([]interface{}(nil), h.c.items...)
		h.node.mu.Unlock()

		order := make([]int, len(before))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(i, j int) bool {
			return less(read(before[order[i]]), read(before[order[j]]))
		})
		_, err := h.node.invoke(h.c, "sort", []interface{}{ordering{before: before, order: order}})
		if !errors.Is(err, errReordered) {
			return err
		}
	}
}

func (n *Node) invoke(c *container, name string, args []interface{}) (interface{}, error) {
	op, ok := sequenceOps[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sequence operation %q", ErrValidation, name)
	}
	if !c.array {
		return nil, fmt.Errorf("%w: %s is not an array", ErrValidation, c.id)
	}
	var result interface{}
	err := n.run(func() error {
		if err := n.writable(c); err != nil {
			return err
		}
		var created []*container
		stored := make([]interface{}, len(args))
		portable := true
		for i, a := range args {
			if !op.isValue(i) {
				if o, ok := a.(ordering); ok {
					if !o.current(c.items) {
						return errReordered
					}
					portable = false
					stored[i] = a
					continue
				}
				stored[i] = scalar(a)
				continue
			}
			v, err := n.intern(a, &created)
			if err != nil {
				return fmt.Errorf("%s argument %d: %w", name, i, err)
			}
			stored[i] = v
		}

		if c.lock != nil && c.lock.fixed && c.lock.host == n.hostname && portable {
			params := make([]interface{}, len(stored))
			for i, v := range stored {
				params[i] = wire(v)
			}
			result = readResult(op.apply(c, n.hostname, stored))
			n.rewritten(c)
			n.announce(created)
			n.queue(&Message{Op: OpCall, ID: c.id, Name: name, Host: n.hostname, Parameters: params})
		} else {
			uniform := next(c.high(), n.hostname)
			c.raiseFloor(uniform)
			result = readResult(op.apply(c, n.hostname, stored))
			for i := range c.clocks.Items {
				cc := *uniform
				c.clocks.Items[i] = &cc
			}
			n.rewritten(c)
			n.announce(created)
			n.queue(&Message{Op: OpReplace, ID: c.id, Values: c.flatten(), Vector: uniform})
		}
		n.scheduleGC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func readResult(v interface{}) interface{} {
	if list, ok := v.([]interface{}); ok {
		out := make([]interface{}, len(list))
		for i, x := range list {
			out[i] = read(x)
		}
		return out
	}
	return read(v)
}
