// Package enginetest provides a scripted engine for tests of packages that
// drive an engine.Engine.
package enginetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/smallnest/clawbridge/engine"
	"github.com/smallnest/clawbridge/protocol"
)

// cancelGrace bounds how long AskTool waits for an answer once the query is
// cancelled.
const cancelGrace = time.Second

// Script plays the engine side of one query. Returning a non-nil error
// terminates the stream with it.
type Script func(ctx context.Context, q *Query) error

// Engine runs Script for every query.
type Engine struct {
	Script Script
	// QueryErr, when set, is returned by Query instead of starting a stream.
	QueryErr error

	mu       sync.Mutex
	requests []engine.Request
}

// New returns an engine running script.
func New(script Script) *Engine {
	return &Engine{Script: script}
}

// Query implements engine.Engine.
func (e *Engine) Query(ctx context.Context, req engine.Request) (engine.Stream, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.mu.Unlock()

	if e.QueryErr != nil {
		return nil, e.QueryErr
	}

	stream := engine.NewChanStream(16)
	q := &Query{ctx: ctx, req: req, stream: stream}
	go func() {
		var err error
		if e.Script != nil {
			err = e.Script(ctx, q)
		}
		stream.Close(err)
	}()
	return stream, nil
}

// Requests returns the requests seen so far.
func (e *Engine) Requests() []engine.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Request(nil), e.requests...)
}

// LastOptions returns the options of the most recent query.
func (e *Engine) LastOptions() engine.QueryOptions {
	reqs := e.Requests()
	if len(reqs) == 0 {
		return engine.QueryOptions{}
	}
	return reqs[len(reqs)-1].Options
}

// Query is the engine side of a running query.
type Query struct {
	ctx    context.Context
	req    engine.Request
	stream *engine.ChanStream
}

// Options returns the query options.
func (q *Query) Options() engine.QueryOptions { return q.req.Options }

// Prompt reads the next prompt turn. ok is false when the input is closed
// or the query is cancelled.
func (q *Query) Prompt() (msg engine.UserMessage, ok bool) {
	select {
	case msg, ok = <-q.req.Input:
		return msg, ok
	case <-q.ctx.Done():
		return engine.UserMessage{}, false
	}
}

// WaitInputClosed blocks until the caller closes the input or cancels.
func (q *Query) WaitInputClosed() error {
	for {
		select {
		case _, ok := <-q.req.Input:
			if !ok {
				return nil
			}
		case <-q.ctx.Done():
			return q.ctx.Err()
		}
	}
}

// Emit parses line as a stream-json record and delivers it.
func (q *Query) Emit(line string) error {
	ev, err := engine.ParseEvent([]byte(line))
	if err != nil {
		return fmt.Errorf("enginetest: %w: %s", err, line)
	}
	if !q.stream.Send(q.ctx, ev) {
		return q.ctx.Err()
	}
	return nil
}

// EmitJSON marshals v and delivers it.
func (q *Query) EmitJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return q.Emit(string(b))
}

// Init announces sessionID.
func (q *Query) Init(sessionID string) error {
	return q.EmitJSON(map[string]interface{}{"type": "system", "subtype": "init", "session_id": sessionID})
}

// AssistantText emits an assistant turn with one text block.
func (q *Query) AssistantText(sessionID, text string) error {
	return q.EmitJSON(map[string]interface{}{
		"type":       "assistant",
		"session_id": sessionID,
		"message": map[string]interface{}{
			"role":    "assistant",
			"content": []interface{}{map[string]interface{}{"type": "text", "text": text}},
		},
	})
}

// Result ends the turn with subtype.
func (q *Query) Result(sessionID, subtype string) error {
	return q.EmitJSON(map[string]interface{}{"type": "result", "subtype": subtype, "session_id": sessionID})
}

// AskTool asks the consumer for permission the way the engine does before a
// tool call: a PermissionEvent is queued behind everything emitted so far,
// and AskTool blocks until it is answered or the query is cancelled.
func (q *Query) AskTool(toolName string, input map[string]interface{}) (protocol.PermissionResult, error) {
	reply := make(chan protocol.PermissionResult, 1)
	ev := engine.NewPermissionEvent(toolName, input, nil, func(result protocol.PermissionResult) {
		reply <- result.WithInput(input)
	})
	if !q.stream.Send(q.ctx, ev) {
		return protocol.PermissionResult{}, q.ctx.Err()
	}
	select {
	case result := <-reply:
		return result, nil
	case <-q.ctx.Done():
		// A consumer that reached the event still answers after cancellation.
		select {
		case result := <-reply:
			return result, nil
		case <-time.After(cancelGrace):
			return protocol.PermissionResult{}, q.ctx.Err()
		}
	}
}
