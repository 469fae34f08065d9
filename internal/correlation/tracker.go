// Package correlation implements single-resolution future bookkeeping with
// timeouts. The tracker is the one place where callback-style transport
// events are converted into awaitable futures; everything above it works
// with Future values and never touches raw callbacks.
package correlation

import (
	"context"
	"sync"
	"time"

	"continuum/internal/logging"
	"continuum/internal/protocol"
)

// Outcome is the settled result of a pending request: a payload on success
// or a taxonomy error on rejection, never both.
type Outcome struct {
	Value map[string]any
	Err   error
}

// Future is the caller's suspension point for one in-flight request. It
// settles exactly once, from one of three mutually exclusive sources:
// resolve, reject, or timeout firing.
type Future struct {
	correlationID string
	done          chan Outcome
}

// CorrelationID returns the ID this future is tracked under.
func (f *Future) CorrelationID() string { return f.correlationID }

// Wait blocks until the future settles or the context is done. Context
// cancellation does not settle the future; callers that want settlement
// should use Tracker.Cancel.
func (f *Future) Wait(ctx context.Context) (map[string]any, error) {
	select {
	case out := <-f.done:
		return out.Value, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done exposes the settlement channel for select-based callers.
func (f *Future) Done() <-chan Outcome { return f.done }

// Metrics receives tracker lifecycle observations. The prometheus
// implementation lives in internal/metrics; tests use the nop.
type Metrics interface {
	TrackStarted()
	Settled(outcome string, elapsed time.Duration)
	LateArrival()
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) TrackStarted()                 {}
func (NopMetrics) Settled(string, time.Duration) {}
func (NopMetrics) LateArrival()                  {}

// Settlement outcome labels reported to Metrics.
const (
	OutcomeResolved  = "resolved"
	OutcomeRejected  = "rejected"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

type pending struct {
	future    *Future
	timer     *time.Timer
	createdAt time.Time
	deadline  time.Time
}

// Tracker maps correlation IDs to pending futures. One mutex serializes
// every map mutation together with its settled check, so resolve-vs-timeout
// is a strict race with exactly one winner.
type Tracker struct {
	mu        sync.Mutex
	pending   map[string]*pending
	metrics   Metrics
	onSettled func(correlationID string)
	log       *logging.Logger
}

// New creates a tracker. A nil metrics falls back to the nop implementation.
func New(m Metrics) *Tracker {
	if m == nil {
		m = NopMetrics{}
	}
	return &Tracker{
		pending: make(map[string]*pending),
		metrics: m,
		log:     logging.Get(logging.CategoryCorrelation),
	}
}

// SetOnSettled installs a hook invoked with the correlation ID after every
// settlement, whatever the source. The dispatcher uses it to drop its
// per-connection index entries. Must be set before the first Track.
func (t *Tracker) SetOnSettled(fn func(correlationID string)) {
	t.onSettled = fn
}

// Track creates a pending request for the correlation ID and starts its
// timeout timer. It fails with DuplicateCorrelationIDError if the ID is
// already tracked; IDs must carry enough entropy that this only happens on
// a caller bug.
func (t *Tracker) Track(correlationID string, timeout time.Duration) (*Future, error) {
	future := &Future{
		correlationID: correlationID,
		done:          make(chan Outcome, 1),
	}
	now := time.Now()

	t.mu.Lock()
	if _, exists := t.pending[correlationID]; exists {
		t.mu.Unlock()
		return nil, &protocol.DuplicateCorrelationIDError{CorrelationID: correlationID}
	}
	p := &pending{
		future:    future,
		createdAt: now,
		deadline:  now.Add(timeout),
	}
	p.timer = time.AfterFunc(timeout, func() { t.expire(correlationID) })
	t.pending[correlationID] = p
	t.mu.Unlock()

	t.metrics.TrackStarted()
	t.log.Debug("tracking %s (timeout %v)", correlationID, timeout)
	return future, nil
}

// Resolve fulfills the pending future for the ID with a value. If the ID is
// absent (already settled, expired, or never tracked) the call is a no-op
// logged as a late/duplicate arrival; it never re-fulfills a settled future.
func (t *Tracker) Resolve(correlationID string, value map[string]any) {
	t.settle(correlationID, OutcomeResolved, Outcome{Value: value})
}

// Reject is symmetric to Resolve: it fails the pending future with an error.
func (t *Tracker) Reject(correlationID string, err error) {
	t.settle(correlationID, OutcomeRejected, Outcome{Err: err})
}

// Cancel removes the pending request and rejects its future with
// CancelledError. Same effect as a local timeout, bound to the caller's
// cancel instead of the deadline.
func (t *Tracker) Cancel(correlationID string) {
	t.settle(correlationID, OutcomeCancelled, Outcome{
		Err: &protocol.CancelledError{CorrelationID: correlationID},
	})
}

// expire fires when a deadline elapses before resolve/reject.
func (t *Tracker) expire(correlationID string) {
	t.mu.Lock()
	p, ok := t.pending[correlationID]
	if !ok {
		// Settled between the timer firing and this lock acquisition.
		t.mu.Unlock()
		return
	}
	delete(t.pending, correlationID)
	t.mu.Unlock()

	elapsed := time.Since(p.createdAt)
	p.future.done <- Outcome{Err: &protocol.TimeoutError{
		CorrelationID: correlationID,
		Elapsed:       elapsed,
	}}
	t.metrics.Settled(OutcomeTimeout, elapsed)
	logging.AuditSettle(correlationID, OutcomeTimeout, elapsed)
	t.log.Warn("request %s timed out after %v", correlationID, elapsed)
	if t.onSettled != nil {
		t.onSettled(correlationID)
	}
}

// settle removes the pending entry and delivers the outcome. The removal
// under the mutex is what guarantees at-most-once settlement: whichever of
// resolve, reject, cancel, or timeout deletes the entry is the only caller
// that ever writes to the future's channel.
func (t *Tracker) settle(correlationID, outcome string, out Outcome) {
	t.mu.Lock()
	p, ok := t.pending[correlationID]
	if ok {
		delete(t.pending, correlationID)
	}
	t.mu.Unlock()

	if !ok {
		t.metrics.LateArrival()
		t.log.Warn("late or duplicate arrival for %s (%s), discarded", correlationID, outcome)
		return
	}

	p.timer.Stop()
	p.future.done <- out
	elapsed := time.Since(p.createdAt)
	t.metrics.Settled(outcome, elapsed)
	logging.AuditSettle(correlationID, outcome, elapsed)
	logging.WithCorrelationID(logging.CategoryCorrelation, correlationID).
		Debug("settled as %s after %v", outcome, elapsed)
	if t.onSettled != nil {
		t.onSettled(correlationID)
	}
}

// PendingCount returns how many requests are currently tracked.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// RejectAll settles every currently pending request with the error produced
// by errFor. Used at shutdown so no caller is left waiting on a dead process.
func (t *Tracker) RejectAll(errFor func(correlationID string) error) {
	t.mu.Lock()
	drained := t.pending
	t.pending = make(map[string]*pending)
	t.mu.Unlock()

	for id, p := range drained {
		p.timer.Stop()
		p.future.done <- Outcome{Err: errFor(id)}
		elapsed := time.Since(p.createdAt)
		t.metrics.Settled(OutcomeRejected, elapsed)
		logging.AuditSettle(id, OutcomeRejected, elapsed)
		if t.onSettled != nil {
			t.onSettled(id)
		}
	}
	if len(drained) > 0 {
		t.log.Info("rejected %d pending requests at shutdown", len(drained))
	}
}
