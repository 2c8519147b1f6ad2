// Package orchestrator drives engine invocations end to end: it feeds the
// prompt, gates approval-requiring tools through the permission broker,
// follows session identity changes and emits lifecycle messages to a sink.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/smallnest/clawbridge/engine"
	"github.com/smallnest/clawbridge/internal/logger"
	"github.com/smallnest/clawbridge/permission"
	"github.com/smallnest/clawbridge/protocol"
	"github.com/smallnest/clawbridge/sink"
	"go.uber.org/zap"
)

// DefaultMaxRebinds is how many times a run follows the engine to a session
// id other than the one it knows.
const DefaultMaxRebinds = 1

// NoSessionMessage denies approvals that cannot be routed.
const NoSessionMessage = "No session ID available for permission routing"

const placeholderPrefix = "pending-"

// planTools are added to the allow list in plan mode.
var planTools = []string{"Read", "Task", "exit_plan_mode", "TodoRead", "TodoWrite", "WebFetch", "WebSearch"}

// Orchestrator runs sessions against one engine and one broker.
type Orchestrator struct {
	engine     engine.Engine
	broker     *permission.Broker
	defaults   protocol.CommandOptions
	maxRebinds int
	log        *zap.Logger

	mu     sync.Mutex
	active map[string]*run
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMaxRebinds overrides DefaultMaxRebinds.
func WithMaxRebinds(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxRebinds = n
		}
	}
}

// WithDefaults fills options a command leaves empty.
func WithDefaults(d protocol.CommandOptions) Option {
	return func(o *Orchestrator) { o.defaults = d }
}

// New creates an orchestrator. A nil broker gets a private one.
func New(eng engine.Engine, broker *permission.Broker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:     eng,
		broker:     broker,
		maxRebinds: DefaultMaxRebinds,
		active:     make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.L()
	}
	if o.broker == nil {
		o.broker = permission.NewBroker(permission.WithLogger(o.log))
	}
	return o
}

// Broker returns the broker approvals are routed through.
func (o *Orchestrator) Broker() *permission.Broker { return o.broker }

// Run executes one turn and streams normalized messages to out. It returns
// the final session id. Engine failures are reported to out as claude-error
// followed by claude-complete with exit code 1, and returned. A run ended by
// Abort or by ctx returns normally.
func (o *Orchestrator) Run(ctx context.Context, prompt string, opts protocol.CommandOptions, out sink.Sink) (string, error) {
	opts = o.withDefaults(opts)

	cwd := opts.Cwd
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	qopts := queryOptions(opts, cwd)
	r := &run{
		o:         o,
		out:       out,
		ctx:       ctx,
		cancel:    cancel,
		sessionID: opts.SessionID,
		key:       opts.SessionID,
		mode:      qopts.PermissionMode,
		feed:      make(chan engine.UserMessage, 1),
	}
	if r.key == "" {
		r.key = placeholderPrefix + uuid.NewString()
	}
	if strings.TrimSpace(prompt) != "" {
		r.feed <- engine.TextMessage(prompt)
		r.isNew = opts.SessionID == ""
	} else {
		r.closeFeed()
	}
	r.log = o.log.With(zap.String("process_key", r.key))
	defer func() {
		cancel()
		r.approvals.Wait()
	}()

	o.add(r)
	metricActive.Inc()
	defer metricActive.Dec()

	r.log.Info("Session started",
		zap.String("cwd", cwd),
		zap.String("permission_mode", string(qopts.PermissionMode)),
		zap.String("model", qopts.Model))

	stream, err := o.engine.Query(ctx, engine.Request{
		Input:   r.feed,
		Options: qopts,
	})
	if err != nil {
		return r.fail(fmt.Errorf("start engine: %w", err))
	}

	for ev := range stream.Events() {
		r.handle(ev)
	}

	if err := stream.Err(); err != nil && ctx.Err() == nil {
		return r.fail(err)
	}

	r.release()
	r.closeFeed()
	id := r.currentID()
	switch {
	case ctx.Err() != nil && !r.isCompleted():
		metricRuns.WithLabelValues(outcomeAborted).Inc()
		r.log.Info("Session aborted", zap.String("session_id", id))
	default:
		metricRuns.WithLabelValues(outcomeCompleted).Inc()
	}
	return id, nil
}

// Abort cancels the run known under sessionID. Pending approvals of the run
// are denied. It returns false when no such run is active.
func (o *Orchestrator) Abort(sessionID string) bool {
	o.mu.Lock()
	r, ok := o.active[sessionID]
	o.mu.Unlock()
	if !ok {
		o.log.Debug("Abort for inactive session", zap.String("session_id", sessionID))
		return false
	}
	o.log.Info("Aborting session", zap.String("session_id", sessionID))
	r.cancel()
	return true
}

// IsActive reports whether a run is registered under sessionID.
func (o *Orchestrator) IsActive(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sessionID]
	return ok
}

// ActiveSessions lists the session ids of running invocations. Runs that
// have not learned their id yet are omitted.
func (o *Orchestrator) ActiveSessions() []string {
	o.mu.Lock()
	ids := make([]string, 0, len(o.active))
	for key := range o.active {
		if !strings.HasPrefix(key, placeholderPrefix) {
			ids = append(ids, key)
		}
	}
	o.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) add(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.active[r.key]; ok && prev != r {
		o.log.Warn("Replacing active session registration", zap.String("process_key", r.key))
	}
	o.active[r.key] = r
}

func (o *Orchestrator) rekey(r *run, oldKey, newKey string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.active[oldKey]; ok && cur == r {
		delete(o.active, oldKey)
	}
	o.active[newKey] = r
}

func (o *Orchestrator) remove(r *run, key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.active[key]; ok && cur == r {
		delete(o.active, key)
	}
}

func (o *Orchestrator) withDefaults(opts protocol.CommandOptions) protocol.CommandOptions {
	d := o.defaults
	if opts.Cwd == "" {
		opts.Cwd = d.Cwd
	}
	if opts.Model == "" {
		opts.Model = d.Model
	}
	if opts.PermissionMode == "" {
		opts.PermissionMode = d.PermissionMode
	}
	if opts.ExecutablePath == "" {
		opts.ExecutablePath = d.ExecutablePath
	}
	if len(opts.ToolsSettings.AllowedTools) == 0 {
		opts.ToolsSettings.AllowedTools = d.ToolsSettings.AllowedTools
	}
	if len(opts.ToolsSettings.DisallowedTools) == 0 {
		opts.ToolsSettings.DisallowedTools = d.ToolsSettings.DisallowedTools
	}
	if len(opts.AdditionalDirectories) == 0 {
		opts.AdditionalDirectories = d.AdditionalDirectories
	}
	return opts
}

// queryOptions maps command options onto engine options.
func queryOptions(opts protocol.CommandOptions, cwd string) engine.QueryOptions {
	mode := opts.PermissionMode
	if opts.ToolsSettings.SkipPermissions && mode != protocol.PermissionModePlan {
		mode = protocol.PermissionModeBypass
	}

	allowed := append([]string(nil), opts.ToolsSettings.AllowedTools...)
	if mode == protocol.PermissionModePlan {
		for _, tool := range planTools {
			if !contains(allowed, tool) {
				allowed = append(allowed, tool)
			}
		}
	}

	return engine.QueryOptions{
		Cwd:                   cwd,
		Model:                 opts.Model,
		PermissionMode:        mode,
		Resume:                opts.SessionID,
		ForkSession:           opts.ForkSession,
		AllowedTools:          allowed,
		DisallowedTools:       append([]string(nil), opts.ToolsSettings.DisallowedTools...),
		AdditionalDirectories: append([]string(nil), opts.AdditionalDirectories...),
		ExecutablePath:        opts.ExecutablePath,
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
