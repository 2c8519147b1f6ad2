package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/smallnest/clawbridge/internal/logger"
	"github.com/smallnest/clawbridge/protocol"
	"go.uber.org/zap"
)

const (
	// DefaultExecutable is looked up on PATH when no path is configured.
	DefaultExecutable = "claude"

	defaultInitTimeout = 60 * time.Second
	defaultGracePeriod = 5 * time.Second
	maxLineSize        = 10 * 1024 * 1024
)

// CLIEngine runs each query as a Claude CLI subprocess.
type CLIEngine struct {
	path        string
	env         []string
	initTimeout time.Duration
	grace       time.Duration
	log         *zap.Logger
}

// CLIOption configures a CLIEngine.
type CLIOption func(*CLIEngine)

// WithExecutable sets the default CLI path. QueryOptions.ExecutablePath
// overrides it per query.
func WithExecutable(path string) CLIOption {
	return func(e *CLIEngine) {
		if path != "" {
			e.path = path
		}
	}
}

// WithEnv appends KEY=VALUE pairs to the subprocess environment.
func WithEnv(env ...string) CLIOption {
	return func(e *CLIEngine) { e.env = append(e.env, env...) }
}

// WithGracePeriod sets how long an interrupted CLI may take to exit before
// it is killed.
func WithGracePeriod(d time.Duration) CLIOption {
	return func(e *CLIEngine) {
		if d > 0 {
			e.grace = d
		}
	}
}

// WithInitTimeout bounds the initialize handshake.
func WithInitTimeout(d time.Duration) CLIOption {
	return func(e *CLIEngine) {
		if d > 0 {
			e.initTimeout = d
		}
	}
}

// WithEngineLogger sets the engine logger.
func WithEngineLogger(l *zap.Logger) CLIOption {
	return func(e *CLIEngine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewCLIEngine creates a CLI-backed engine.
func NewCLIEngine(opts ...CLIOption) *CLIEngine {
	e := &CLIEngine{
		path:        DefaultExecutable,
		initTimeout: defaultInitTimeout,
		grace:       defaultGracePeriod,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.L()
	}
	return e
}

// BuildArgs returns the CLI arguments for opts.
func BuildArgs(opts QueryOptions) []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", string(opts.PermissionMode))
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
		if opts.ForkSession {
			args = append(args, "--fork-session")
		}
	}
	for _, tool := range opts.AllowedTools {
		args = append(args, "--allowed-tools", tool)
	}
	for _, tool := range opts.DisallowedTools {
		args = append(args, "--disallowed-tools", tool)
	}
	for _, dir := range opts.AdditionalDirectories {
		args = append(args, "--add-dir", dir)
	}
	return args
}

func (e *CLIEngine) resolve(opts QueryOptions) (string, error) {
	path := opts.ExecutablePath
	if path == "" {
		path = e.path
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrCLINotFound, path)
	}
	return resolved, nil
}

// Query starts the CLI and returns its event stream. Cancelling ctx
// interrupts the subprocess; it is killed after the grace period.
func (e *CLIEngine) Query(ctx context.Context, req Request) (Stream, error) {
	path, err := e.resolve(req.Options)
	if err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, path, BuildArgs(req.Options)...)
	cmd.Dir = req.Options.Cwd
	cmd.Env = append(os.Environ(), e.env...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = e.grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start claude CLI: %w", err)
	}

	p := &cliProcess{
		parent:      ctx,
		ctx:         procCtx,
		cancel:      cancel,
		cmd:         cmd,
		stdin:       stdin,
		stream:      NewChanStream(64),
		initTimeout: e.initTimeout,
		pending:     make(map[string]chan *ControlResponseEvent),
		stderrDone:  make(chan struct{}),
		log:         e.log.With(zap.Int("pid", cmd.Process.Pid)),
	}
	p.log.Debug("Claude CLI started", zap.String("path", path), zap.String("cwd", cmd.Dir))

	go p.stderrLoop(stderr)
	go p.readLoop(stdout)
	go p.feed(req.Input)

	return p.stream, nil
}

type cliProcess struct {
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	cmd         *exec.Cmd
	stream      *ChanStream
	initTimeout time.Duration
	log         *zap.Logger

	writeMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool

	pendingMu sync.Mutex
	pending   map[string]chan *ControlResponseEvent
	seq       atomic.Int64

	failMu     sync.Mutex
	failErr    error
	lastStderr string
	stderrDone chan struct{}
}

func (p *cliProcess) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := ParseEvent(line)
		if err != nil {
			p.log.Debug("Skipping unparsable CLI output", zap.ByteString("line", line), zap.Error(err))
			continue
		}
		switch ev := ev.(type) {
		case *ControlRequestEvent:
			p.handleControlRequest(ev)
		case *ControlResponseEvent:
			p.deliverControlResponse(ev)
		default:
			p.stream.Send(p.ctx, ev)
		}
	}
	scanErr := scanner.Err()

	<-p.stderrDone
	waitErr := p.cmd.Wait()
	err := p.terminalError(waitErr, scanErr)
	p.cancel()

	if err != nil {
		p.log.Debug("Claude CLI terminated", zap.Error(err))
	}
	p.stream.Close(err)
}

func (p *cliProcess) terminalError(waitErr, scanErr error) error {
	if err := p.parent.Err(); err != nil {
		return err
	}
	p.failMu.Lock()
	failErr, stderrTail := p.failErr, p.lastStderr
	p.failMu.Unlock()

	switch {
	case failErr != nil:
		return failErr
	case scanErr != nil:
		return fmt.Errorf("read claude CLI output: %w", scanErr)
	case waitErr != nil:
		if stderrTail != "" {
			return fmt.Errorf("claude CLI exited: %w: %s", waitErr, stderrTail)
		}
		return fmt.Errorf("claude CLI exited: %w", waitErr)
	}
	return nil
}

func (p *cliProcess) stderrLoop(stderr io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.failMu.Lock()
		p.lastStderr = line
		p.failMu.Unlock()
		p.log.Debug("claude stderr", zap.String("line", line))
	}
}

// feed performs the initialize handshake, then forwards prompt turns until
// input is closed.
func (p *cliProcess) feed(input <-chan UserMessage) {
	defer p.closeStdin()

	if err := p.initialize(); err != nil {
		p.fail(err)
		return
	}

	for {
		select {
		case msg, ok := <-input:
			if !ok {
				return
			}
			line := map[string]interface{}{
				"type": "user",
				"message": map[string]interface{}{
					"role":    "user",
					"content": msg.Content,
				},
			}
			if err := p.writeJSON(line); err != nil {
				p.fail(fmt.Errorf("write prompt: %w", err))
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *cliProcess) initialize() error {
	resp, err := p.sendControlRequest(map[string]interface{}{"subtype": "initialize"}, p.initTimeout)
	if err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}
	if resp.Subtype == "error" {
		return fmt.Errorf("initialize handshake: %s", resp.Error)
	}
	return nil
}

func (p *cliProcess) sendControlRequest(request interface{}, timeout time.Duration) (*ControlResponseEvent, error) {
	requestID := "req_" + strconv.FormatInt(p.seq.Add(1), 10) + "_" + uuid.NewString()[:8]

	ch := make(chan *ControlResponseEvent, 1)
	p.pendingMu.Lock()
	p.pending[requestID] = ch
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, requestID)
		p.pendingMu.Unlock()
	}()

	msg := map[string]interface{}{
		"type":       "control_request",
		"request_id": requestID,
		"request":    request,
	}
	if err := p.writeJSON(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("control request %s timed out after %s", requestID, timeout)
	case <-p.ctx.Done():
		return nil, p.ctx.Err()
	}
}

func (p *cliProcess) deliverControlResponse(ev *ControlResponseEvent) {
	p.pendingMu.Lock()
	ch, ok := p.pending[ev.RequestID]
	p.pendingMu.Unlock()
	if !ok {
		p.log.Debug("Unmatched control response", zap.String("request_id", ev.RequestID))
		return
	}
	select {
	case ch <- ev:
	default:
		p.log.Debug("Duplicate control response", zap.String("request_id", ev.RequestID))
	}
}

func (p *cliProcess) handleControlRequest(ev *ControlRequestEvent) {
	if ev.Subtype != "can_use_tool" {
		p.log.Debug("Unsupported control request", zap.String("subtype", ev.Subtype))
		p.writeControlResponse(ev.RequestID, nil, "unsupported control request: "+ev.Subtype)
		return
	}

	// Answered by the consumer once it reaches the event in the stream.
	perm := NewPermissionEvent(ev.ToolName, ev.Input, ev.Raw, func(result protocol.PermissionResult) {
		p.writeControlResponse(ev.RequestID, result.WithInput(ev.Input), "")
	})
	p.stream.Send(p.ctx, perm)
}

func (p *cliProcess) writeControlResponse(requestID string, response interface{}, errMsg string) {
	payload := map[string]interface{}{
		"subtype":    "success",
		"request_id": requestID,
	}
	if errMsg != "" {
		payload["subtype"] = "error"
		payload["error"] = errMsg
	} else {
		payload["response"] = response
	}
	msg := map[string]interface{}{
		"type":     "control_response",
		"response": payload,
	}
	if err := p.writeJSON(msg); err != nil {
		p.log.Warn("Failed to write control response", zap.String("request_id", requestID), zap.Error(err))
	}
}

func (p *cliProcess) writeJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.stdinClosed {
		return io.ErrClosedPipe
	}
	_, err = p.stdin.Write(b)
	return err
}

func (p *cliProcess) closeStdin() {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.stdinClosed {
		return
	}
	p.stdinClosed = true
	_ = p.stdin.Close()
}

// fail records the first fatal error and stops the subprocess.
func (p *cliProcess) fail(err error) {
	p.failMu.Lock()
	if p.failErr == nil {
		p.failErr = err
	}
	p.failMu.Unlock()
	p.log.Warn("Claude CLI session failed", zap.Error(err))
	p.cancel()
}
