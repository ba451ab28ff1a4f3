package mirror

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/ulid/v2"
)

// Transport delivers messages from a node to its peers.
type Transport interface {
	Send(*Message) error
}

// SendFunc adapts a function to a Transport.
type SendFunc func(*Message) error

func (f SendFunc) Send(m *Message) error { return f(m) }

// Discard is a Transport that drops every message, for nodes with no peers.
var Discard Transport = SendFunc(func(*Message) error { return nil })

// DefaultGCDelay is how long a node waits after the last structural change
// before collecting unreachable containers.
const DefaultGCDelay = 100 * time.Millisecond

// Options controls how a node logs, measures, names containers and talks to
// its peers.
type Options struct {
	// Transport sends messages to peers. It may also be set later with
	// SetTransport.
	Transport Transport

	// Logger, defaults to a no-op logger.
	Logger log.Logger

	// Metrics, defaults to discarding.
	Metrics *Metrics

	// GCDelay debounces garbage collection. 0 means DefaultGCDelay; a negative
	// value disables automatic collection, leaving Collect to the caller.
	GCDelay time.Duration

	// NewID generates container ids, defaults to "hostname:ULID".
	NewID func() string
}

// Node is one replica of a shared object graph.
type Node struct {
	hostname string
	logger   log.Logger
	metrics  *Metrics
	newID    func() string
	gcDelay  time.Duration

	tmu       sync.RWMutex
	transport Transport

	lmu          sync.Mutex
	listeners    map[string]map[uint64]Listener
	nextListener uint64

	mu           sync.Mutex
	objects      map[string]*container
	root         interface{}
	rootClock    *Clock
	rootPending  string
	pending      map[string][]pendingRef
	pendingCount int
	missing      []string
	deferred     map[string][]*deferredCall
	readyWaiters []chan struct{}
	gcTimer      *time.Timer
	gcGen        uint64
	closed       bool

	// produced while mu is held, flushed by run
	outbox []*Message
	events []Event
}

// NewNode creates a node with an empty registry and no root.
func NewNode(hostname string, options *Options) (*Node, error) {
	if err := validateHostname(hostname); err != nil {
		return nil, err
	}
	if options == nil {
		options = &Options{}
	}
	n := &Node{
		hostname:  hostname,
		logger:    options.Logger,
		metrics:   options.Metrics,
		newID:     options.NewID,
		gcDelay:   options.GCDelay,
		transport: options.Transport,
		listeners: map[string]map[uint64]Listener{},
	}
	if n.logger == nil {
		n.logger = log.NewNopLogger()
	}
	n.logger = log.With(n.logger, "node", hostname)
	if n.metrics == nil {
		n.metrics = NewDiscardMetrics()
	}
	if n.newID == nil {
		n.newID = func() string {
			return hostname + ":" + ulid.Make().String()
		}
	}
	if n.gcDelay == 0 {
		n.gcDelay = DefaultGCDelay
	}
	n.reset()
	return n, nil
}

func validateHostname(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("%w: empty hostname", ErrValidation)
	}
	if strings.IndexFunc(hostname, unicode.IsControl) >= 0 {
		return fmt.Errorf("%w: hostname %q contains control characters", ErrValidation, hostname)
	}
	return nil
}

// Hostname returns the identity this node stamps on its writes.
func (n *Node) Hostname() string {
	return n.hostname
}

// SetTransport replaces the transport used for outbound messages.
func (n *Node) SetTransport(t Transport) {
	n.tmu.Lock()
	n.transport = t
	n.tmu.Unlock()
}

func (n *Node) currentTransport() Transport {
	n.tmu.RLock()
	defer n.tmu.RUnlock()
	return n.transport
}

// Send hands a message to the transport, stamping this node's hostname if
// the message has none.
func (n *Node) Send(m *Message) error {
	if m.Hostname == "" {
		m.Hostname = n.hostname
	}
	return n.deliver([]*Message{m})
}

// State returns the root value: a scalar, a *Handle, or nil when unset or
// still being fetched from a peer.
func (n *Node) State() interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return read(n.root)
}

// SetState replaces the root. Plain maps and slices are copied into new
// containers and announced to peers before the new root.
func (n *Node) SetState(v interface{}) error {
	return n.run(func() error {
		var created []*container
		stored, err := n.intern(v, &created)
		if err != nil {
			return err
		}
		_, hadGraph := n.root.(*container)
		n.root = stored
		n.rootPending = ""
		n.rootClock = next(n.rootClock, n.hostname)
		n.event(Event{Name: EventRootChanged, Root: read(stored)})
		n.announce(created)
		n.queue(&Message{Op: OpRoot, Root: wire(stored), Vector: n.rootClock})
		if hadGraph {
			n.scheduleGC()
		}
		return nil
	})
}

// Sync discards all local state and asks peers for theirs. The root is
// delivered first; containers arrive lazily and EventReady fires once none
// are outstanding.
func (n *Node) Sync() error {
	if n.currentTransport() == nil {
		return ErrTransportNotConfigured
	}
	return n.run(func() error {
		n.reset()
		n.queue(&Message{Op: OpSync})
		return nil
	})
}

// Close stops any scheduled collection.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	if n.gcTimer != nil {
		n.gcTimer.Stop()
		n.gcTimer = nil
	}
	return nil
}

func (n *Node) reset() {
	n.objects = map[string]*container{}
	n.root = nil
	n.rootClock = nil
	n.rootPending = ""
	n.pending = map[string][]pendingRef{}
	n.pendingCount = 0
	n.missing = nil
	n.deferred = map[string][]*deferredCall{}
	n.metrics.Resident.Set(0)
	n.metrics.Pending.Set(0)
}

// run executes fn with the node locked, then dispatches the events and
// messages fn produced, in that order, with the node unlocked. Listeners and
// synchronous transports may therefore call back into any node.
func (n *Node) run(fn func() error) error {
	n.mu.Lock()
	err := fn()
	outbox, events := n.outbox, n.events
	n.outbox, n.events = nil, nil
	n.metrics.Resident.Set(float64(len(n.objects)))
	n.metrics.Pending.Set(float64(n.pendingCount))
	n.mu.Unlock()

	n.emit(events)
	if sendErr := n.deliver(outbox); err == nil {
		err = sendErr
	}
	return err
}

func (n *Node) queue(m *Message) {
	m.Hostname = n.hostname
	n.outbox = append(n.outbox, m)
}

func (n *Node) deliver(msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	t := n.currentTransport()
	if t == nil {
		return ErrTransportNotConfigured
	}
	var first error
	for _, m := range msgs {
		n.metrics.Sent.With("op", string(m.Op)).Add(1)
		if err := t.Send(m); err != nil {
			level.Warn(n.logger).Log("msg", "send failed", "op", m.Op, "err", err)
			if first == nil {
				first = fmt.Errorf("send %s: %w", m.Op, err)
			}
		}
	}
	return first
}

// read converts a stored value to what callers see.
func read(v interface{}) interface{} {
	if c, ok := v.(*container); ok {
		return c.handle
	}
	return v
}

// WhenReady blocks until no referenced container is still being fetched.
func (n *Node) WhenReady(ctx context.Context) error {
	n.mu.Lock()
	if n.pendingCount == 0 {
		n.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	n.readyWaiters = append(n.readyWaiters, ch)
	n.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
