package mirror

import (
	"fmt"

	"github.com/go-kit/log/level"
)

// lockRecord is a claim on a container. A record naming this node is its
// own request (provisional until acknowledged, then fixed); a record
// naming another node is the claim this node granted.
type lockRecord struct {
	host    string
	fixed   bool
	pending *Future
	waiters []*Future
}

func (r *lockRecord) released() {
	for _, f := range r.waiters {
		f.complete(nil)
	}
	r.waiters = nil
}

func (n *Node) resident(h *Handle) (*container, error) {
	if h == nil || h.node != n {
		return nil, fmt.Errorf("%w: %w", ErrValidation, ErrForeignHandle)
	}
	return h.c, nil
}

// Acquire asks peers for an exclusive lock on the container. The returned
// future completes when the first peer answers: with nil once the lock is
// fixed, or ErrLockRefused. While fixed, sequence operations replicate as
// calls and other nodes cannot write the container.
func (n *Node) Acquire(h *Handle) (*Future, error) {
	c, err := n.resident(h)
	if err != nil {
		return nil, err
	}
	if n.currentTransport() == nil {
		return nil, ErrTransportNotConfigured
	}
	f := newFuture()
	err = n.run(func() error {
		if r := c.lock; r != nil {
			if r.host == n.hostname {
				return fmt.Errorf("%w: %s", ErrLockAlreadyHeld, c.id)
			}
			f.complete(fmt.Errorf("%w: %s is held by %s", ErrLockRefused, c.id, r.host))
			return nil
		}
		c.lock = &lockRecord{host: n.hostname, pending: f}
		n.queue(&Message{Op: OpLockRequest, ID: c.id, Host: n.hostname})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Request is Acquire under the name peers use for it on the wire.
func (n *Node) Request(h *Handle) (*Future, error) {
	return n.Acquire(h)
}

// Release gives up a fixed lock this node owns and tells peers.
func (n *Node) Release(h *Handle) error {
	c, err := n.resident(h)
	if err != nil {
		return err
	}
	return n.run(func() error {
		r := c.lock
		if r == nil || !r.fixed {
			return fmt.Errorf("%w: %s", ErrLockNotHeld, c.id)
		}
		if r.host != n.hostname {
			return fmt.Errorf("%w: %s is held by %s", ErrLockNotOwned, c.id, r.host)
		}
		c.lock = nil
		r.released()
		n.queue(&Message{Op: OpLockUnlock, ID: c.id, Host: n.hostname})
		return nil
	})
}

// Owns reports whether this node may treat the container as its own: it is
// unlocked, or this node holds the fixed lock.
func (n *Node) Owns(h *Handle) bool {
	c, err := n.resident(h)
	if err != nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	r := c.lock
	return r == nil || (r.fixed && r.host == n.hostname)
}

// AwaitRelease returns a future that completes when the current claim on
// the container goes away, immediately if there is none.
func (n *Node) AwaitRelease(h *Handle) *Future {
	c, err := n.resident(h)
	if err != nil {
		return completed(err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if c.lock == nil {
		return completed(nil)
	}
	f := newFuture()
	c.lock.waiters = append(c.lock.waiters, f)
	return f
}

// onLockRequest grants a claim unless this node knows of one that is fixed
// or outranks the requester. Between two provisional claims the greater
// hostname wins.
func (n *Node) onLockRequest(m *Message) {
	c := n.objects[m.ID]
	if c == nil {
		// No claim can exist here for a container we do not hold.
		n.queue(&Message{Op: OpLockAck, ID: m.ID, Host: m.Host, Success: true})
		return
	}
	r := c.lock
	if r != nil && (r.fixed || r.host >= m.Host) {
		level.Info(n.logger).Log("msg", "lock refused", "id", c.id, "requester", m.Host, "holder", r.host)
		n.queue(&Message{Op: OpLockAck, ID: c.id, Host: m.Host, Success: false})
		return
	}
	granted := &lockRecord{host: m.Host}
	if r != nil {
		granted.waiters = r.waiters
		if r.pending != nil {
			r.pending.complete(fmt.Errorf("%w: %s outranked by %s", ErrLockRefused, c.id, m.Host))
		}
	}
	c.lock = granted
	level.Info(n.logger).Log("msg", "lock granted", "id", c.id, "requester", m.Host)
	n.queue(&Message{Op: OpLockAck, ID: c.id, Host: m.Host, Success: true})
}

func (n *Node) onLockAck(m *Message) {
	c := n.objects[m.ID]
	if c == nil || c.lock == nil {
		n.drop(m, "no claim")
		return
	}
	r := c.lock
	if m.Host != n.hostname {
		// Another node's claim was granted elsewhere; it can no longer be preempted.
		if m.Success && r.host == m.Host {
			r.fixed = true
		}
		return
	}
	if r.host != n.hostname || r.pending == nil {
		n.drop(m, "claim already settled")
		return
	}
	f := r.pending
	r.pending = nil
	if m.Success {
		r.fixed = true
		f.complete(nil)
		return
	}
	c.lock = nil
	r.released()
	f.complete(fmt.Errorf("%w: %s refused by %s", ErrLockRefused, c.id, m.Hostname))
}

func (n *Node) onLockUnlock(m *Message) {
	c := n.objects[m.ID]
	if c == nil || c.lock == nil || c.lock.host != m.Host {
		n.drop(m, "no matching claim")
		return
	}
	r := c.lock
	c.lock = nil
	r.released()
}
