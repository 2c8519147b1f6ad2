// Package engine abstracts the agent execution engine behind a streaming
// query interface. The production implementation drives the Claude CLI over
// its stream-json protocol.
package engine

import (
	"context"
	"errors"

	"github.com/smallnest/clawbridge/protocol"
)

// ErrCLINotFound is returned when the engine executable cannot be resolved.
var ErrCLINotFound = errors.New("claude CLI not found")

// UserMessage is one prompt turn fed to the engine. Content is either a
// string or an array of content blocks.
type UserMessage struct {
	Content interface{}
}

// TextMessage builds a plain text prompt turn.
func TextMessage(text string) UserMessage {
	return UserMessage{Content: text}
}

// QueryOptions are the engine-level knobs for one invocation.
type QueryOptions struct {
	Cwd                   string
	Model                 string
	PermissionMode        protocol.PermissionMode
	Resume                string
	ForkSession           bool
	AllowedTools          []string
	DisallowedTools       []string
	AdditionalDirectories []string
	ExecutablePath        string
}

// Request starts a query. Input is read until it is closed; the engine ends
// its input side when that happens. Tool permission checks arrive as
// PermissionEvent values in the stream and must be answered.
type Request struct {
	Input   <-chan UserMessage
	Options QueryOptions
}

// Stream is a running query. Events is closed when the engine terminates;
// Err reports why, and is only meaningful after that.
type Stream interface {
	Events() <-chan Event
	Err() error
}

// Engine runs queries.
type Engine interface {
	Query(ctx context.Context, req Request) (Stream, error)
}

// ChanStream is a Stream backed by a channel. Producers send events, then
// call Close with the terminal error.
type ChanStream struct {
	events chan Event
	err    error
	done   chan struct{}
}

// NewChanStream creates a stream with the given buffer size.
func NewChanStream(buffer int) *ChanStream {
	return &ChanStream{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Send delivers ev unless ctx is done first.
func (s *ChanStream) Send(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close records err and closes the event channel. Call it once.
func (s *ChanStream) Close(err error) {
	s.err = err
	close(s.done)
	close(s.events)
}

// Events implements Stream.
func (s *ChanStream) Events() <-chan Event { return s.events }

// Err implements Stream.
func (s *ChanStream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

