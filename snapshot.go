package mirror

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/minio/blake2b-simd"
)

// A Snapshot is the replicated state reachable from a node's root, in
// network form.
type Snapshot struct {
	Root      interface{}            `json:"root"`
	RootClock *Clock                 `json:"rootClock,omitempty"`
	Members   map[string]interface{} `json:"members"`
	Vectors   map[string]ClockTable  `json:"vectors"`
	Floors    map[string]Clock       `json:"floors,omitempty"`
}

// Snapshot captures the containers reachable from the root.
func (n *Node) Snapshot() *Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := &Snapshot{
		Root:    wire(n.root),
		Members: map[string]interface{}{},
		Vectors: map[string]ClockTable{},
	}
	if n.rootClock != nil {
		clock := *n.rootClock
		s.RootClock = &clock
	}
	root, ok := n.root.(*container)
	if !ok {
		return s
	}
	stack := []*container{root}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := s.Members[c.id]; seen {
			continue
		}
		s.Members[c.id] = c.flatten()
		s.Vectors[c.id] = c.clockTable()
		if c.floor != nil {
			if s.Floors == nil {
				s.Floors = map[string]Clock{}
			}
			s.Floors[c.id] = *c.floor
		}
		stack = append(stack, c.children()...)
	}
	return s
}

// Digest is a content hash of the snapshot. Nodes that have converged
// produce equal digests.
func (s *Snapshot) Digest() (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return contentName(b), nil
}

// Digest is shorthand for n.Snapshot().Digest().
func (n *Node) Digest() (string, error) {
	return n.Snapshot().Digest()
}

func contentName(b []byte) string {
	hash := blake2b.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// Restore replaces all local state with the snapshot, without telling
// peers. References the snapshot does not contain are requested from
// peers as usual.
func (n *Node) Restore(s *Snapshot) error {
	return n.run(func() error {
		n.reset()
		created := n.materialize(s.Members, s.Vectors, s.Floors, n.hostname, func(string) bool { return true })
		if s.RootClock != nil {
			clock := *s.RootClock
			n.rootClock = &clock
		}
		if id, ok := RefID(s.Root); ok {
			if c := n.objects[id]; c != nil {
				n.root = c
			} else {
				n.rootPending = id
				n.lazyRef(id, pendingRef{root: true})
			}
		} else {
			n.root = scalar(s.Root)
		}
		n.settle(created)
		n.event(Event{Name: EventRootChanged, Root: read(n.root)})
		n.requestMissing()
		n.scheduleGC()
		return nil
	})
}

// SaveSnapshot stores the encoded snapshot under its content name and
// returns the name. If cache already holds the name nothing is stored.
func SaveSnapshot(ctx context.Context, p Persist, s *Snapshot, cache SnapshotCache) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	name := contentName(b)
	if cache != nil && cache.Contains(name) {
		return name, nil
	}
	if err := p.Store(ctx, name, b); err != nil {
		return "", fmt.Errorf("persist store %s: %w", name, err)
	}
	if cache != nil {
		cache.Add(name, s)
	}
	return name, nil
}

// LoadSnapshot loads a snapshot stored by SaveSnapshot.
func LoadSnapshot(ctx context.Context, p Persist, name string, cache SnapshotCache) (*Snapshot, error) {
	if cache != nil {
		if s, ok := cache.Get(name); ok {
			return s.(*Snapshot), nil
		}
	}
	b, err := p.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("persist load %s: %w", name, err)
	}
	if got := contentName(b); got != name {
		return nil, fmt.Errorf("snapshot %s: content hashes to %s", name, got)
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("unmarshaling %s: %w", name, err)
	}
	if cache != nil {
		cache.Add(name, &s)
	}
	return &s, nil
}
