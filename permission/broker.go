package permission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smallnest/clawbridge/internal/logger"
	"github.com/smallnest/clawbridge/protocol"
	"go.uber.org/zap"
)

// DefaultTimeout is how long an approval may stay unanswered before it is
// denied.
const DefaultTimeout = 100 * time.Second

const (
	TimeoutMessage   = "Permission request timed out"
	CancelledMessage = "Permission request cancelled"
)

// ErrAlreadyPending is returned when a (session, request) pair is registered
// twice.
var ErrAlreadyPending = errors.New("permission request already pending")

// Resolver receives the decision for a pending approval. It is called exactly
// once, outside the broker lock.
type Resolver func(protocol.PermissionResult)

type pendingKey struct {
	sessionID string
	requestID string
}

// Pending is an outstanding approval.
type Pending struct {
	broker    *Broker
	key       pendingKey
	resolve   Resolver
	timer     *time.Timer
	createdAt time.Time
}

// SessionID returns the session the approval belongs to.
func (p *Pending) SessionID() string { return p.key.sessionID }

// RequestID returns the approval request id.
func (p *Pending) RequestID() string { return p.key.requestID }

// Cancel denies the approval with reason. It returns false when the approval
// was already settled.
func (p *Pending) Cancel(reason string) bool {
	if reason == "" {
		reason = CancelledMessage
	}
	return p.broker.settle(p, protocol.Deny(reason), outcomeCancelled)
}

// Broker correlates approval requests raised by running sessions with the
// responses that arrive on the control channel. Unanswered requests are
// denied when the timeout elapses.
type Broker struct {
	mu      sync.Mutex
	timeout time.Duration
	pending map[pendingKey]*Pending
	log     *zap.Logger
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithTimeout sets the approval timeout. Non-positive values keep the default.
func WithTimeout(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the broker logger.
func WithLogger(l *zap.Logger) BrokerOption {
	return func(b *Broker) {
		if l != nil {
			b.log = l
		}
	}
}

// NewBroker creates an empty broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		timeout: DefaultTimeout,
		pending: make(map[pendingKey]*Pending),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = logger.L()
	}
	return b
}

// Timeout returns the timeout applied to new registrations.
func (b *Broker) Timeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timeout
}

// SetTimeout changes the timeout for approvals registered from now on.
func (b *Broker) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	b.mu.Lock()
	b.timeout = d
	b.mu.Unlock()
}

// Len returns the number of outstanding approvals.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Register records an approval request. onResolve is invoked once with the
// external decision, or with a deny when the timeout elapses first.
func (b *Broker) Register(sessionID, requestID string, onResolve Resolver) (*Pending, error) {
	k := pendingKey{sessionID: sessionID, requestID: requestID}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.pending[k]; exists {
		return nil, ErrAlreadyPending
	}

	p := &Pending{
		broker:    b,
		key:       k,
		resolve:   onResolve,
		createdAt: time.Now(),
	}
	p.timer = time.AfterFunc(b.timeout, func() { b.expire(p) })
	b.pending[k] = p
	metricPending.Inc()

	b.log.Debug("Permission request registered",
		zap.String("session_id", sessionID),
		zap.String("request_id", requestID),
		zap.Duration("timeout", b.timeout))
	return p, nil
}

// Resolve settles the approval identified by both sessionID and requestID.
// It returns false when no such approval is pending (already settled, expired
// or unknown).
func (b *Broker) Resolve(sessionID, requestID string, result protocol.PermissionResult) bool {
	b.mu.Lock()
	p, ok := b.pending[pendingKey{sessionID: sessionID, requestID: requestID}]
	b.mu.Unlock()

	if !ok || !b.settle(p, result, outcomeResolved) {
		b.log.Warn("No pending permission request",
			zap.String("session_id", sessionID),
			zap.String("request_id", requestID))
		return false
	}

	b.log.Info("Permission request resolved",
		zap.String("session_id", sessionID),
		zap.String("request_id", requestID),
		zap.String("behavior", string(result.Behavior)))
	return true
}

// Wait registers an approval, calls onRegistered, and blocks until the
// approval is settled. When ctx is done first the approval is cancelled.
func (b *Broker) Wait(ctx context.Context, sessionID, requestID string, onRegistered func()) (protocol.PermissionResult, error) {
	ch := make(chan protocol.PermissionResult, 1)
	p, err := b.Register(sessionID, requestID, func(r protocol.PermissionResult) { ch <- r })
	if err != nil {
		return protocol.Deny(err.Error()), err
	}
	if onRegistered != nil {
		onRegistered()
	}

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		p.Cancel(CancelledMessage)
		// Either the cancel or a concurrent settlement filled ch.
		return <-ch, nil
	}
}

func (b *Broker) expire(p *Pending) {
	if !b.settle(p, protocol.Deny(TimeoutMessage), outcomeTimeout) {
		return
	}
	b.log.Warn("Permission request timed out",
		zap.String("session_id", p.key.sessionID),
		zap.String("request_id", p.key.requestID),
		zap.Duration("waited", time.Since(p.createdAt)))
}

// settle removes p and delivers result. Only the first caller for a given
// entry wins.
func (b *Broker) settle(p *Pending, result protocol.PermissionResult, outcome string) bool {
	b.mu.Lock()
	cur, ok := b.pending[p.key]
	if !ok || cur != p {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, p.key)
	b.mu.Unlock()

	p.timer.Stop()
	metricPending.Dec()
	metricSettled.WithLabelValues(outcome).Inc()

	if p.resolve != nil {
		p.resolve(result)
	}
	return true
}
