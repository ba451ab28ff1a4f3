package mirror

import (
	"time"

	"github.com/go-kit/log/level"
)

// scheduleGC (re)arms the collection timer. Called with mu held.
func (n *Node) scheduleGC() {
	if n.gcDelay < 0 || n.closed {
		return
	}
	if n.gcTimer != nil {
		n.gcTimer.Stop()
	}
	n.gcGen++
	gen := n.gcGen
	n.gcTimer = time.AfterFunc(n.gcDelay, func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if gen != n.gcGen || n.closed {
			return
		}
		n.gcTimer = nil
		n.collect()
	})
}

// Collect drops every container unreachable from the root and returns how
// many were dropped. A scheduled collection is cancelled.
func (n *Node) Collect() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gcTimer != nil {
		n.gcTimer.Stop()
		n.gcTimer = nil
	}
	n.gcGen++
	return n.collect()
}

func (n *Node) collect() int {
	var stack []*container
	if root, ok := n.root.(*container); ok {
		stack = append(stack, root)
	}
	// Containers announced by a peer may still be waiting for the write
	// that links them in; they are kept for one sweep.
	for _, c := range n.objects {
		if c.fresh {
			c.fresh = false
			stack = append(stack, c)
		}
	}
	live := make(map[string]*container, len(n.objects))
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := live[c.id]; seen {
			continue
		}
		live[c.id] = c
		stack = append(stack, c.children()...)
	}
	dropped := 0
	for id := range n.objects {
		if _, ok := live[id]; !ok {
			dropped++
		}
	}
	n.objects = live
	n.metrics.Collections.Add(1)
	n.metrics.Collected.Add(float64(dropped))
	n.metrics.Resident.Set(float64(len(live)))
	level.Debug(n.logger).Log("msg", "collected", "dropped", dropped, "resident", len(live))
	return dropped
}

// Resident reports how many containers the registry holds.
func (n *Node) Resident() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.objects)
}

// Pending reports how many referenced containers are still being fetched.
func (n *Node) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pendingCount
}
