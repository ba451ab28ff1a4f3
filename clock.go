package mirror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// A Clock orders writes to a single property. Clocks are totally ordered by
// counter, then by hostname, so every replica picks the same winner for
// concurrent writes.
type Clock struct {
	Counter uint64
	Host    string
}

// NewClock returns the initial clock for writes originating at host.
func NewClock(host string) Clock {
	return Clock{Counter: 0, Host: host}
}

// Increment returns a clock that follows c, attributed to host.
func (c Clock) Increment(host string) Clock {
	return Clock{Counter: c.Counter + 1, Host: host}
}

// Precedes reports whether c is strictly ordered before other.
func (c Clock) Precedes(other Clock) bool {
	if c.Counter != other.Counter {
		return c.Counter < other.Counter
	}
	return c.Host < other.Host
}

func (c Clock) String() string {
	return strconv.FormatUint(c.Counter, 10) + "@" + c.Host
}

// Precedes orders possibly-absent clocks. An absent clock precedes every
// present one, and nothing precedes an absent clock.
func Precedes(a, b *Clock) bool {
	if b == nil {
		return false
	}
	if a == nil {
		return true
	}
	return a.Precedes(*b)
}

// next is the clock for a local write over prev.
func next(prev *Clock, host string) *Clock {
	var c Clock
	if prev == nil {
		c = NewClock(host)
	} else {
		c = prev.Increment(host)
	}
	return &c
}

// MarshalJSON encodes the clock as a [counter, host] pair.
func (c Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{c.Counter, c.Host})
}

func (c *Clock) UnmarshalJSON(b []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("clock: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("clock: expected [counter, host], got %d elements", len(pair))
	}
	var counter float64
	if err := json.Unmarshal(pair[0], &counter); err != nil {
		return fmt.Errorf("clock counter: %w", err)
	}
	if counter < 0 {
		return fmt.Errorf("clock counter: negative %v", counter)
	}
	if err := json.Unmarshal(pair[1], &c.Host); err != nil {
		return fmt.Errorf("clock host: %w", err)
	}
	c.Counter = uint64(counter)
	return nil
}

// A ClockTable holds the per-property clocks of one container. Object
// containers use Keys; array containers use Items, where a nil entry is a
// slot with no clock yet.
type ClockTable struct {
	Keys  map[string]Clock
	Items []*Clock
	Array bool
}

func (t ClockTable) MarshalJSON() ([]byte, error) {
	if t.Array {
		items := t.Items
		if items == nil {
			items = []*Clock{}
		}
		return json.Marshal(items)
	}
	keys := t.Keys
	if keys == nil {
		keys = map[string]Clock{}
	}
	return json.Marshal(keys)
}

func (t *ClockTable) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimLeft(b, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		t.Array = true
		t.Keys = nil
		return json.Unmarshal(b, &t.Items)
	}
	t.Array = false
	t.Items = nil
	return json.Unmarshal(b, &t.Keys)
}

// Get returns the clock stored for property, or nil.
func (t ClockTable) Get(property string) *Clock {
	if t.Array {
		i, ok := index(property)
		if !ok || i >= len(t.Items) {
			return nil
		}
		return t.Items[i]
	}
	c, ok := t.Keys[property]
	if !ok {
		return nil
	}
	return &c
}

// max returns the greatest clock in the table, or nil when it has none.
func (t ClockTable) max() *Clock {
	var m *Clock
	if t.Array {
		for _, c := range t.Items {
			if c != nil && Precedes(m, c) {
				m = c
			}
		}
		return m
	}
	for _, c := range t.Keys {
		c := c
		if Precedes(m, &c) {
			m = &c
		}
	}
	return m
}

func index(property string) (int, bool) {
	i, err := strconv.Atoi(property)
	if err != nil || i < 0 || strconv.Itoa(i) != property {
		return 0, false
	}
	return i, true
}
