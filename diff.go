package mirror

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// A Change is one difference between two snapshots. ID is empty for the
// root. Added and Removed are false when only the value or clock changed.
type Change struct {
	ID            string
	Property      string
	Added         bool
	Removed       bool
	Value         interface{}
	Previous      interface{}
	Clock         *Clock
	PreviousClock *Clock
}

// DiffSnapshots calls fn for every property that differs between old and
// new, in id then property order. fn returns false to stop early. A nil
// old is treated as empty.
func DiffSnapshots(old, new *Snapshot, fn func(Change) (bool, error)) error {
	if old == nil {
		old = &Snapshot{}
	}
	if new == nil {
		new = &Snapshot{}
	}
	if !reflect.DeepEqual(old.Root, new.Root) || !sameClock(old.RootClock, new.RootClock) {
		keepGoing, err := fn(Change{
			Property:      "root",
			Value:         new.Root,
			Previous:      old.Root,
			Clock:         new.RootClock,
			PreviousClock: old.RootClock,
		})
		if err != nil {
			return fmt.Errorf("callback: %w", err)
		}
		if !keepGoing {
			return nil
		}
	}
	for _, id := range unionKeys(old.Members, new.Members) {
		oldFields, newFields := fieldsOf(old.Members[id]), fieldsOf(new.Members[id])
		oldClocks, newClocks := old.Vectors[id], new.Vectors[id]
		props := unionKeys(oldFields, newFields)
		props = append(props, clockOnly(oldClocks, newClocks, oldFields, newFields)...)
		sortProperties(props)
		for _, p := range props {
			ov, inOld := oldFields[p]
			nv, inNew := newFields[p]
			oc, nc := oldClocks.Get(p), newClocks.Get(p)
			if inOld == inNew && reflect.DeepEqual(ov, nv) && sameClock(oc, nc) {
				continue
			}
			keepGoing, err := fn(Change{
				ID:            id,
				Property:      p,
				Added:         inNew && !inOld,
				Removed:       inOld && !inNew,
				Value:         nv,
				Previous:      ov,
				Clock:         nc,
				PreviousClock: oc,
			})
			if err != nil {
				return fmt.Errorf("callback: %w", err)
			}
			if !keepGoing {
				return nil
			}
		}
	}
	return nil
}

// fieldsOf indexes flattened container fields by property name.
func fieldsOf(member interface{}) map[string]interface{} {
	switch f := member.(type) {
	case map[string]interface{}:
		return f
	case []interface{}:
		out := make(map[string]interface{}, len(f))
		for i, v := range f {
			out[strconv.Itoa(i)] = v
		}
		return out
	}
	return nil
}

// clockOnly lists properties that have a clock (a deletion) but no value.
func clockOnly(a, b ClockTable, fa, fb map[string]interface{}) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range []ClockTable{a, b} {
		for k := range t.Keys {
			if _, ok := fa[k]; ok {
				continue
			}
			if _, ok := fb[k]; ok {
				continue
			}
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

func unionKeys(a, b map[string]interface{}) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// sortProperties orders array indexes numerically and everything else
// lexically after them.
func sortProperties(props []string) {
	sort.Slice(props, func(i, j int) bool {
		a, aok := index(props[i])
		b, bok := index(props[j])
		switch {
		case aok && bok:
			return a < b
		case aok != bok:
			return aok
		}
		return props[i] < props[j]
	})
}
