package mirror_test

import (
	"context"
	"sync"
	"testing"

	"github.com/jrhy/mirror"
	"github.com/jrhy/mirror/transport"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func newNode(t testing.TB, hostname string, tr mirror.Transport) *mirror.Node {
	t.Helper()
	n, err := mirror.NewNode(hostname, &mirror.Options{Transport: tr, GCDelay: -1})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

// newNetwork links one node per hostname through a synchronous hub.
func newNetwork(t testing.TB, hostnames ...string) (*transport.Hub, []*mirror.Node) {
	t.Helper()
	hub := transport.NewHub(nil)
	var nodes []*mirror.Node
	for _, hostname := range hostnames {
		n := newNode(t, hostname, nil)
		hub.Attach(n)
		nodes = append(nodes, n)
	}
	return hub, nodes
}

func root(t testing.TB, n *mirror.Node) *mirror.Handle {
	t.Helper()
	h, ok := n.State().(*mirror.Handle)
	require.True(t, ok, "root of %s is %T", n.Hostname(), n.State())
	return h
}

func requireConverged(t testing.TB, nodes ...*mirror.Node) {
	t.Helper()
	want, err := nodes[0].Digest()
	require.NoError(t, err)
	for _, n := range nodes[1:] {
		got, err := n.Digest()
		require.NoError(t, err)
		require.Equal(t, want, got, "%s and %s differ", nodes[0].Hostname(), n.Hostname())
	}
}

// outbox holds what a node sends, after a JSON round trip, so a test can
// choose when and in what order peers see it.
type outbox struct {
	mu   sync.Mutex
	msgs []*mirror.Message
}

func (o *outbox) Send(m *mirror.Message) error {
	b, err := mirror.JSONCodec{}.Marshal(m)
	if err != nil {
		return err
	}
	msg, err := mirror.JSONCodec{}.Unmarshal(b)
	if err != nil {
		return err
	}
	o.mu.Lock()
	o.msgs = append(o.msgs, msg)
	o.mu.Unlock()
	return nil
}

func (o *outbox) take() []*mirror.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.msgs
	o.msgs = nil
	return msgs
}

func ops(msgs []*mirror.Message) []mirror.Op {
	out := make([]mirror.Op, len(msgs))
	for i, m := range msgs {
		out[i] = m.Op
	}
	return out
}

func deliver(t testing.TB, n *mirror.Node, msgs ...*mirror.Message) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, n.Receive(m))
	}
}

// newPair returns two nodes whose traffic is held in outboxes, with a's
// initial state already delivered to b.
func newPair(t testing.TB, state interface{}) (a, b *mirror.Node, oa, ob *outbox) {
	t.Helper()
	oa, ob = &outbox{}, &outbox{}
	a = newNode(t, "a", oa)
	b = newNode(t, "b", ob)
	require.NoError(t, a.SetState(state))
	deliver(t, b, oa.take()...)
	require.Empty(t, ob.take())
	return a, b, oa, ob
}
