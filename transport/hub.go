// Package transport links mirror nodes together.
package transport

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jrhy/mirror"
)

// HubOptions configures a Hub.
type HubOptions struct {
	// Codec encodes and decodes every message, as a network would. Defaults
	// to mirror.JSONCodec.
	Codec mirror.Codec

	// Async delivers each node's messages on its own goroutine, in the
	// order they were sent. Otherwise delivery happens inside Send.
	Async bool

	// Logger, defaults to a no-op logger.
	Logger log.Logger
}

// A Hub is an in-memory broadcast network. Every message a node sends is
// delivered to every other attached node.
type Hub struct {
	codec  mirror.Codec
	async  bool
	logger log.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	ports    []*port
	taps     []func(*mirror.Message)
	inflight int
	closed   bool
}

type port struct {
	hub      *Hub
	node     *mirror.Node
	queue    []*mirror.Message
	detached bool
}

// NewHub creates an empty hub.
func NewHub(options *HubOptions) *Hub {
	if options == nil {
		options = &HubOptions{}
	}
	h := &Hub{
		codec:  options.Codec,
		async:  options.Async,
		logger: options.Logger,
	}
	if h.codec == nil {
		h.codec = mirror.JSONCodec{}
	}
	if h.logger == nil {
		h.logger = log.NewNopLogger()
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Attach connects the node to the hub and makes the hub its transport.
func (h *Hub) Attach(n *mirror.Node) {
	p := &port{hub: h, node: n}
	h.mu.Lock()
	h.ports = append(h.ports, p)
	h.mu.Unlock()
	n.SetTransport(p)
	if h.async {
		go p.run()
	}
}

// Detach disconnects the node. Messages it sends are lost, and nothing
// more is delivered to it, until it is attached again.
func (h *Hub) Detach(n *mirror.Node) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.ports[:0]
	for _, p := range h.ports {
		if p.node == n {
			p.detached = true
			h.inflight -= len(p.queue)
			p.queue = nil
			continue
		}
		kept = append(kept, p)
	}
	h.ports = kept
	h.cond.Broadcast()
}

// Tap registers fn to observe every message sent through the hub.
func (h *Hub) Tap(fn func(*mirror.Message)) {
	h.mu.Lock()
	h.taps = append(h.taps, fn)
	h.mu.Unlock()
}

// Idle waits until no asynchronous delivery is queued or running.
func (h *Hub) Idle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.mu.Lock()
		for h.inflight > 0 && !h.closed {
			h.cond.Wait()
		}
		h.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops asynchronous delivery.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.cond.Broadcast()
	h.mu.Unlock()
}

func (p *port) Send(m *mirror.Message) error {
	h := p.hub
	b, err := h.codec.Marshal(m)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if p.detached || h.closed {
		h.mu.Unlock()
		return nil
	}
	taps := append([]func(*mirror.Message){}, h.taps...)
	var targets []*port
	for _, q := range h.ports {
		if q != p {
			targets = append(targets, q)
		}
	}
	h.mu.Unlock()

	for _, fn := range taps {
		msg, err := h.codec.Unmarshal(b)
		if err != nil {
			return err
		}
		fn(msg)
	}
	for _, q := range targets {
		msg, err := h.codec.Unmarshal(b)
		if err != nil {
			return err
		}
		if !h.async {
			q.receive(msg)
			continue
		}
		h.mu.Lock()
		if !q.detached {
			q.queue = append(q.queue, msg)
			h.inflight++
			h.cond.Broadcast()
		}
		h.mu.Unlock()
	}
	return nil
}

func (p *port) receive(m *mirror.Message) {
	if err := p.node.Receive(m); err != nil {
		level.Warn(p.hub.logger).Log("msg", "receive failed", "node", p.node.Hostname(), "op", m.Op, "err", err)
	}
}

func (p *port) run() {
	h := p.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		for len(p.queue) == 0 && !p.detached && !h.closed {
			h.cond.Wait()
		}
		if p.detached || h.closed {
			h.inflight -= len(p.queue)
			p.queue = nil
			h.cond.Broadcast()
			return
		}
		m := p.queue[0]
		p.queue = p.queue[1:]
		h.mu.Unlock()
		p.receive(m)
		h.mu.Lock()
		h.inflight--
		h.cond.Broadcast()
	}
}
