// Package sink delivers normalized messages to whatever consumer is
// attached: a push channel such as a WebSocket connection, or a byte stream.
package sink

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/smallnest/clawbridge/protocol"
)

// ErrUnsupportedSink is returned for destinations that can neither push nor
// be written to.
var ErrUnsupportedSink = errors.New("unsupported sink")

// Pusher is a push channel. Each call delivers one serialized envelope.
type Pusher interface {
	Push(data []byte) error
}

// Sink receives normalized messages.
type Sink interface {
	Send(msg protocol.Message) error
}

// Func adapts a function to Sink.
type Func func(msg protocol.Message) error

// Send implements Sink.
func (f Func) Send(msg protocol.Message) error { return f(msg) }

// Discard drops every message.
var Discard Sink = Func(func(protocol.Message) error { return nil })

// New wraps dst in a Sink. A Sink is returned as is; a Pusher receives
// serialized envelopes; an io.Writer receives newline-terminated records.
func New(dst interface{}) (Sink, error) {
	switch d := dst.(type) {
	case Sink:
		return d, nil
	case Pusher:
		return pushSink{p: d}, nil
	case io.Writer:
		return &writerSink{w: d}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedSink, dst)
	}
}

// Send delivers msg to dst without keeping an adapter around.
func Send(dst interface{}, msg protocol.Message) error {
	s, err := New(dst)
	if err != nil {
		return err
	}
	return s.Send(msg)
}

type pushSink struct {
	p Pusher
}

func (s pushSink) Send(msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return s.p.Push(data)
}

// writerSink serializes writes so records from concurrent senders never
// interleave.
type writerSink struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *writerSink) Send(msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(data)
	return err
}
