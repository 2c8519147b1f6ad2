package orchestrator

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/smallnest/clawbridge/engine"
	"github.com/smallnest/clawbridge/normalizer"
	"github.com/smallnest/clawbridge/permission"
	"github.com/smallnest/clawbridge/protocol"
	"github.com/smallnest/clawbridge/sink"
	"go.uber.org/zap"
)

// run is the state of one invocation.
type run struct {
	o      *Orchestrator
	out    sink.Sink
	ctx    context.Context
	cancel context.CancelFunc
	mode   protocol.PermissionMode
	isNew  bool
	log    *zap.Logger

	feed     chan engine.UserMessage
	feedOnce sync.Once

	// approvals tracks permission decisions still in flight.
	approvals sync.WaitGroup

	mu          sync.Mutex
	sessionID   string
	key         string
	rebinds     int
	createdSent bool
	released    bool
	completed   bool
}

func (r *run) currentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *run) isCompleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

func (r *run) closeFeed() {
	r.feedOnce.Do(func() { close(r.feed) })
}

// release removes the registry entry. It is safe to call more than once.
func (r *run) release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	key := r.key
	r.mu.Unlock()
	r.o.remove(r, key)
}

func (r *run) emit(msg protocol.Message) {
	if err := r.out.Send(msg); err != nil {
		r.log.Warn("Failed to deliver message", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

func (r *run) handle(ev engine.Event) {
	switch ev := ev.(type) {
	case *engine.SystemEvent:
		if ev.IsInit() && ev.SessionID != "" {
			r.bind(ev.SessionID)
		}
	case *engine.PermissionEvent:
		r.authorize(ev)
	case *engine.AssistantEvent, *engine.UserEvent:
		id := r.currentID()
		for _, msg := range normalizer.Normalize(id, ev) {
			r.emit(msg)
		}
	case *engine.ResultEvent:
		r.closeFeed()
		code := normalizer.ExitCode(ev)
		r.release()
		id := r.currentID()
		if status, ok := normalizer.StatusMessage(id, ev); ok {
			r.emit(status)
		}
		r.emit(protocol.Complete(id, code, r.isNew))
		r.mu.Lock()
		r.completed = true
		r.mu.Unlock()
		r.log.Info("Session completed", zap.String("session_id", id), zap.Int("exit_code", code))
	default:
		r.log.Debug("Dropping engine event", zap.String("kind", string(ev.Kind())))
	}
}

// bind follows the session id reported by the engine.
func (r *run) bind(id string) {
	r.mu.Lock()
	if id == r.sessionID {
		r.mu.Unlock()
		r.log.Debug("Session id confirmed", zap.String("session_id", id))
		return
	}
	if r.rebinds >= r.o.maxRebinds {
		prev := r.sessionID
		r.mu.Unlock()
		r.log.Warn("Ignoring session rebind", zap.String("session_id", prev), zap.String("reported", id))
		return
	}
	oldKey := r.key
	r.sessionID = id
	r.key = id
	r.rebinds++
	released := r.released
	sendCreated := !r.createdSent
	r.createdSent = true
	r.mu.Unlock()

	if !released {
		r.o.rekey(r, oldKey, id)
	}
	metricRebinds.Inc()
	r.log.Info("Session bound", zap.String("session_id", id), zap.String("previous_key", oldKey))

	if sendCreated {
		r.emit(protocol.SessionCreated(id))
	}
}

// authorize answers a tool permission check. The session id is taken when
// the event is reached, so an init delivered before the check has been
// applied. Approval-requiring tools wait for the broker on their own
// goroutine while the stream keeps draining.
func (r *run) authorize(ev *engine.PermissionEvent) {
	if !permission.RequiresApproval(ev.ToolName) || r.mode == protocol.PermissionModeBypass {
		ev.Respond(protocol.Allow(ev.Input))
		return
	}

	id := r.currentID()
	if id == "" {
		r.log.Warn("Denying tool without session", zap.String("tool", ev.ToolName))
		ev.Respond(protocol.Deny(NoSessionMessage))
		return
	}

	r.approvals.Add(1)
	go func() {
		defer r.approvals.Done()
		ev.Respond(r.awaitApproval(id, ev.ToolName, ev.Input))
	}()
}

// awaitApproval routes one approval through the broker and blocks until it
// is settled.
func (r *run) awaitApproval(id, toolName string, input map[string]interface{}) protocol.PermissionResult {
	if r.ctx.Err() != nil {
		return protocol.Deny(permission.CancelledMessage)
	}

	requestID := uuid.NewString()
	result, err := r.o.broker.Wait(r.ctx, id, requestID, func() {
		r.emit(protocol.PermissionRequest(id, protocol.PermissionPayload{
			ToolName:  toolName,
			Input:     input,
			RequestID: requestID,
		}))
	})
	if err != nil {
		return protocol.Deny(err.Error())
	}
	return result.WithInput(input)
}

// fail reports err to the sink and returns it to the caller. A run that
// already reported its completion only gets the error.
func (r *run) fail(err error) (string, error) {
	r.release()
	r.closeFeed()
	id := r.currentID()
	r.emit(protocol.Failure(id, err))
	if !r.isCompleted() {
		r.emit(protocol.Complete(id, 1, r.isNew))
	}
	metricRuns.WithLabelValues(outcomeFailed).Inc()
	r.log.Error("Session failed", zap.String("session_id", id), zap.Error(err))
	return id, err
}
