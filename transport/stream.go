package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jrhy/mirror"
)

// Stream carries messages over a byte stream such as a net.Conn, each
// frame prefixed with its length.
type Stream struct {
	rw     io.ReadWriter
	codec  mirror.Codec
	logger log.Logger
	wmu    sync.Mutex
}

// NewStream wraps rw. A nil codec means mirror.JSONCodec.
func NewStream(rw io.ReadWriter, codec mirror.Codec, logger log.Logger) *Stream {
	if codec == nil {
		codec = mirror.JSONCodec{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Stream{rw: rw, codec: codec, logger: logger}
}

func (s *Stream) Send(m *mirror.Message) error {
	b, err := s.codec.Marshal(m)
	if err != nil {
		return err
	}
	frame := mirror.AppendFrame(nil, b)
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.rw.Write(frame); err != nil {
		return fmt.Errorf("stream write: %w", err)
	}
	return nil
}

// Serve reads frames and hands them to node until the stream ends or ctx
// is done. Cancelling ctx only takes effect between frames; close the
// underlying connection to interrupt a blocked read.
func (s *Stream) Serve(ctx context.Context, node *mirror.Node) error {
	r := bufio.NewReader(s.rw)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		body, err := mirror.ReadFrame(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream read: %w", err)
		}
		m, err := s.codec.Unmarshal(body)
		if err != nil {
			level.Warn(s.logger).Log("msg", "undecodable frame", "err", err)
			continue
		}
		if err := node.Receive(m); err != nil {
			level.Warn(s.logger).Log("msg", "receive failed", "op", m.Op, "err", err)
		}
	}
}
