// Package ws carries mirror messages over WebSocket connections.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/jrhy/mirror"
)

// Settings controls connection timing and buffering.
type Settings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	// PingTimeout is the interval between pings. Each pong extends the
	// read deadline by ReadTimeout, so it should be well under ReadTimeout.
	PingTimeout time.Duration
	BufferSize  int
}

// DefaultSettings returns settings suitable for a LAN.
func DefaultSettings() *Settings {
	return &Settings{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  30 * time.Second,
		PingTimeout:  10 * time.Second,
		BufferSize:   256,
	}
}

// ErrClosed is returned by Send once the connection has shut down.
var ErrClosed = errors.New("ws: connection closed")

// Conn is one peer link. It implements mirror.Transport.
type Conn struct {
	ws       *websocket.Conn
	codec    mirror.Codec
	logger   log.Logger
	settings *Settings

	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an established websocket and starts its writer. A nil
// codec means mirror.JSONCodec; nil settings mean DefaultSettings.
func NewConn(c *websocket.Conn, codec mirror.Codec, logger log.Logger, settings *Settings) *Conn {
	if codec == nil {
		codec = mirror.JSONCodec{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if settings == nil {
		settings = DefaultSettings()
	}
	conn := &Conn{
		ws:       c,
		codec:    codec,
		logger:   log.With(logger, "peer", c.RemoteAddr().String()),
		settings: settings,
		send:     make(chan []byte, settings.BufferSize),
		closed:   make(chan struct{}),
	}
	go conn.writeLoop()
	return conn
}

// Dial connects to a peer's Server.
func Dial(ctx context.Context, url string, codec mirror.Codec, logger log.Logger, settings *Settings) (*Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewConn(c, codec, logger, settings), nil
}

// Send queues the message for the writer. It fails once the connection
// is closed, or if the queue stays full for WriteTimeout.
func (c *Conn) Send(m *mirror.Message) error {
	b, err := c.codec.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-time.After(c.settings.WriteTimeout):
		return fmt.Errorf("ws: send queue full")
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.settings.PingTimeout)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.closed:
			return
		case b := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
				level.Info(c.logger).Log("msg", "write failed", "err", err)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.settings.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				level.Info(c.logger).Log("msg", "ping failed", "err", err)
				return
			}
		}
	}
}

// Serve reads messages and hands them to node until the connection fails
// or ctx is done.
func (c *Conn) Serve(ctx context.Context, node *mirror.Node) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.closed:
		}
	}()
	defer c.Close()
	extend := func() error {
		return c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
	}
	extend()
	c.ws.SetPongHandler(func(string) error { return extend() })
	for {
		messageType, b, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return ctx.Err()
			default:
			}
			return fmt.Errorf("ws read: %w", err)
		}
		extend()
		if messageType != websocket.BinaryMessage {
			continue
		}
		m, err := c.codec.Unmarshal(b)
		if err != nil {
			level.Warn(c.logger).Log("msg", "undecodable message", "err", err)
			continue
		}
		if err := node.Receive(m); err != nil {
			level.Warn(c.logger).Log("msg", "receive failed", "op", m.Op, "err", err)
		}
	}
}

// Close shuts the connection down. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

// Done is closed when the connection shuts down.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Peers is a mirror.Transport that broadcasts to every connected peer.
type Peers struct {
	mu    sync.RWMutex
	conns map[*Conn]struct{}
}

func NewPeers() *Peers {
	return &Peers{conns: map[*Conn]struct{}{}}
}

func (p *Peers) Add(c *Conn) {
	p.mu.Lock()
	p.conns[c] = struct{}{}
	p.mu.Unlock()
}

func (p *Peers) Remove(c *Conn) {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
}

// Len reports how many peers are connected.
func (p *Peers) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

func (p *Peers) Send(m *mirror.Message) error {
	p.mu.RLock()
	conns := make([]*Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.RUnlock()
	var errs []error
	for _, c := range conns {
		if err := c.Send(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Server links one node to any number of peers: it accepts WebSocket
// upgrades as an http.Handler and dials out with Connect.
type Server struct {
	node     *mirror.Node
	codec    mirror.Codec
	logger   log.Logger
	settings *Settings
	peers    *Peers
	upgrader websocket.Upgrader
}

// NewServer makes the server's peer set the node's transport.
func NewServer(node *mirror.Node, codec mirror.Codec, logger log.Logger, settings *Settings) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Server{
		node:     node,
		codec:    codec,
		logger:   logger,
		settings: settings,
		peers:    NewPeers(),
	}
	node.SetTransport(s.peers)
	return s
}

// Peers returns the connected peer set.
func (s *Server) Peers() *Peers {
	return s.peers
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Info(s.logger).Log("msg", "upgrade failed", "err", err)
		return
	}
	s.serve(r.Context(), NewConn(c, s.codec, s.logger, s.settings))
}

// Connect dials a peer and serves it in the background until ctx is done
// or the connection fails.
func (s *Server) Connect(ctx context.Context, url string) (*Conn, error) {
	conn, err := Dial(ctx, url, s.codec, s.logger, s.settings)
	if err != nil {
		return nil, err
	}
	go s.serve(ctx, conn)
	return conn, nil
}

func (s *Server) serve(ctx context.Context, conn *Conn) {
	s.peers.Add(conn)
	defer s.peers.Remove(conn)
	if err := conn.Serve(ctx, s.node); err != nil && ctx.Err() == nil {
		level.Info(s.logger).Log("msg", "peer disconnected", "err", err)
	}
}
