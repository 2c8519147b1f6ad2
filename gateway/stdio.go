package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/smallnest/clawbridge/protocol"
	"github.com/smallnest/clawbridge/sink"
	"go.uber.org/zap"
)

// maxLineSize bounds one stdin record.
const maxLineSize = 10 * 1024 * 1024

// StdioServer serves JSON-RPC over newline-delimited streams. Responses and
// pushed envelopes share the output, one record per line.
type StdioServer struct {
	handler *Handler
	in      io.Reader
	out     *lineWriter
	push    sink.Sink
}

// NewStdioServer creates a server reading requests from in and writing
// records to out.
func NewStdioServer(handler *Handler, in io.Reader, out io.Writer) *StdioServer {
	lw := &lineWriter{w: out}
	return &StdioServer{
		handler: handler,
		in:      in,
		out:     lw,
		push:    sink.Func(func(msg protocol.Message) error { return sink.Send(lw, msg) }),
	}
}

// Serve handles requests until in reaches EOF or ctx is done. Sessions
// started by claude.command may still be running when Serve returns; use
// Handler.Wait to drain them.
func (s *StdioServer) Serve(ctx context.Context) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return ctx.Err()
				}
			}
			resp := s.handler.Dispatch(&Call{ConnID: "stdio", Sink: s.push}, line)
			if err := s.out.writeJSON(resp); err != nil {
				s.handler.log.Error("Failed to write response", zap.Error(err))
				return err
			}
		}
	}
}

// lineWriter serializes whole records onto w.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// Push implements sink.Pusher.
func (l *lineWriter) Push(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := l.w.Write(buf)
	return err
}

func (l *lineWriter) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return l.Push(data)
}
