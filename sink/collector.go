package sink

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/smallnest/clawbridge/internal/logger"
	"github.com/smallnest/clawbridge/protocol"
	"go.uber.org/zap"
)

// Result is what a headless invocation produced.
type Result struct {
	SessionID string            `json:"sessionId"`
	Responses []json.RawMessage `json:"responses"`
	ExitCode  int               `json:"exitCode"`
}

// Collector is a byte-stream sink that parses the records written to it
// and folds them into a Result.
type Collector struct {
	mu       sync.Mutex
	buf      []byte
	result   Result
	exitSeen bool

	done     chan struct{}
	doneOnce sync.Once
	log      *zap.Logger
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		result: Result{Responses: []json.RawMessage{}},
		done:   make(chan struct{}),
		log:    logger.L(),
	}
}

// Write implements io.Writer. Partial records are buffered until their
// newline arrives.
func (c *Collector) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf = append(c.buf, p...)
	for {
		i := bytes.IndexByte(c.buf, '\n')
		if i < 0 {
			break
		}
		line := c.buf[:i]
		c.buf = c.buf[i+1:]
		c.consume(line)
	}
	return len(p), nil
}

func (c *Collector) consume(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	env, err := protocol.ParseEnvelope(line)
	if err != nil {
		c.log.Warn("Skipping malformed record", zap.Error(err))
		return
	}

	msg := env.Content
	switch msg.Type {
	case protocol.MessageTypeSessionCreated:
		if msg.SessionID != "" {
			c.result.SessionID = msg.SessionID
		}
	case protocol.MessageTypeResponse:
		c.result.Responses = append(c.result.Responses, msg.Data)
	case protocol.MessageTypeComplete:
		if msg.SessionID != "" {
			c.result.SessionID = msg.SessionID
		}
		if msg.ExitCode != nil {
			c.result.ExitCode = *msg.ExitCode
			c.exitSeen = true
		}
		c.finish()
	}
}

func (c *Collector) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Done is closed once a completion has been observed or Fail was called.
func (c *Collector) Done() <-chan struct{} { return c.done }

// Result returns a snapshot of what has been collected so far.
func (c *Collector) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// Fail finalizes the collector after an invocation failure. The exit code
// becomes 1 unless a completion already reported one.
func (c *Collector) Fail(err error) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.exitSeen {
		c.result.ExitCode = 1
	}
	if err != nil {
		c.log.Debug("Headless run failed", zap.Error(err), zap.Int("responses", len(c.result.Responses)))
	}
	c.finish()
	return c.snapshot()
}

func (c *Collector) snapshot() Result {
	r := c.result
	r.Responses = append([]json.RawMessage{}, c.result.Responses...)
	return r
}
