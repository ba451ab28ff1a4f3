package mirror

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// A Codec turns messages into bytes and back, for transports that cross a
// process boundary.
type Codec interface {
	Marshal(*Message) ([]byte, error)
	Unmarshal([]byte) (*Message, error)
}

// JSONCodec encodes messages as JSON objects.
type JSONCodec struct{}

func (JSONCodec) Marshal(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return b, nil
}

func (JSONCodec) Unmarshal(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return &m, nil
}

// ProtoCodec encodes messages in protobuf wire format, carried as a
// google.protobuf.Struct so peers need no generated code.
type ProtoCodec struct{}

func (ProtoCodec) Marshal(m *Message) ([]byte, error) {
	fields, err := toFields(m)
	if err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: struct: %v", ErrSerialization, err)
	}
	b, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: proto: %v", ErrSerialization, err)
	}
	return b, nil
}

func (ProtoCodec) Unmarshal(b []byte) (*Message, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: proto: %v", ErrSerialization, err)
	}
	j, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return JSONCodec{}.Unmarshal(j)
}

// toFields flattens a message to the generic JSON data model structpb accepts.
func toFields(m *Message) (map[string]interface{}, error) {
	j, err := JSONCodec{}.Marshal(m)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(j, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return fields, nil
}

// CodecByName resolves "json" (or "") and "proto".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "proto", "protobuf":
		return ProtoCodec{}, nil
	}
	return nil, fmt.Errorf("%w: unknown codec %q", ErrValidation, name)
}

// MaxFrameSize bounds the body length ReadFrame will accept.
const MaxFrameSize = 64 << 20

// AppendFrame appends body to buf, prefixed by its uvarint length.
func AppendFrame(buf []byte, body []byte) []byte {
	var tmpbuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmpbuf[:], uint64(len(body)))
	buf = append(buf, tmpbuf[:n]...)
	return append(buf, body...)
}

// ReadFrame reads one length-prefixed body written by AppendFrame.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, errors.New("frame too large")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("frame body: %w", err)
	}
	return body, nil
}
