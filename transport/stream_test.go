package transport_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jrhy/mirror"
	"github.com/jrhy/mirror/transport"
	"github.com/stretchr/testify/require"
)

func TestStreamPipe(t *testing.T) {
	t.Parallel()
	ca, cb := net.Pipe()
	defer ca.Close()
	defer cb.Close()
	a, b := newNode(t, "a"), newNode(t, "b")
	sa := transport.NewStream(ca, mirror.ProtoCodec{}, nil)
	sb := transport.NewStream(cb, mirror.ProtoCodec{}, nil)
	a.SetTransport(sa)
	b.SetTransport(sb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sa.Serve(ctx, a)
	go sb.Serve(ctx, b)

	require.NoError(t, a.SetState(map[string]interface{}{"greeting": "hi"}))
	require.Eventually(t, func() bool { return converged(a, b) }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, "hi", root(t, b).Get("greeting"))

	require.NoError(t, root(t, b).Set("reply", "hello"))
	require.Eventually(t, func() bool {
		r, ok := a.State().(*mirror.Handle)
		return ok && r.Get("reply") == "hello"
	}, 5*time.Second, 10*time.Millisecond)
}

type readWriter struct {
	io.Reader
	io.Writer
}

func TestStreamSkipsBadFrames(t *testing.T) {
	t.Parallel()
	clock := mirror.NewClock("x")
	good, err := mirror.JSONCodec{}.Marshal(&mirror.Message{Op: mirror.OpRoot, Hostname: "x", Root: "hello", Vector: &clock})
	require.NoError(t, err)
	var in []byte
	in = mirror.AppendFrame(in, []byte("not a message"))
	in = mirror.AppendFrame(in, good)

	n := newNode(t, "n")
	s := transport.NewStream(readWriter{bytes.NewReader(in), io.Discard}, nil, nil)
	require.NoError(t, s.Serve(context.Background(), n))
	require.Equal(t, "hello", n.State())

	truncated := mirror.AppendFrame(nil, good)
	s = transport.NewStream(readWriter{bytes.NewReader(truncated[:len(truncated)-1]), io.Discard}, nil, nil)
	err = s.Serve(context.Background(), n)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s = transport.NewStream(readWriter{bytes.NewReader(in), io.Discard}, nil, nil)
	require.ErrorIs(t, s.Serve(ctx, n), context.Canceled)
}
