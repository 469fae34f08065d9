// Package daemon implements the request/response contract every stateful
// service in the platform follows: subscribe to an inbound request event on
// the bus, execute the matched operation handler, and emit a correlated
// response or error envelope. One worker goroutine per daemon serializes
// handler execution, which is what keeps daemon-owned state consistent
// without additional locking.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"continuum/internal/bus"
	"continuum/internal/logging"
	"continuum/internal/protocol"
)

// State is the daemon lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// ErrAlreadyRunning is returned by Start when the daemon is not stopped.
var ErrAlreadyRunning = errors.New("daemon already running")

// Handler executes one operation against the daemon's state and returns the
// response payload. Handlers run one at a time on the daemon's worker; they
// may await external calls (persistence, provider adapters) before returning.
type Handler func(ctx context.Context, req protocol.Envelope) (map[string]any, error)

// queueSize bounds how many requests can sit between the bus fan-out and
// the daemon worker before emitters block.
const queueSize = 128

// slowHandlerWarn is the handler duration above which the timing log line is
// a warning instead of a debug entry. A handler near this long monopolizes
// the daemon's single worker.
const slowHandlerWarn = time.Second

// Daemon is the base request/response service. Concrete services embed it
// and register their operation handlers at construction.
type Daemon struct {
	name string
	bus  *bus.Bus
	log  *logging.Logger

	handlers map[string]Handler
	ops      []string // registration order, for UnknownOperation.Available

	mu     sync.Mutex
	state  State
	sub    *bus.Subscription
	queue  chan protocol.Envelope
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a stopped daemon bound to a bus. Operation handlers are added
// with RegisterOperation before Start.
func New(name string, b *bus.Bus) *Daemon {
	return &Daemon{
		name:     name,
		bus:      b,
		log:      logging.Get(logging.CategoryDaemon),
		handlers: make(map[string]Handler),
		state:    StateStopped,
	}
}

// Name returns the daemon's name.
func (d *Daemon) Name() string { return d.name }

// RequestEvent is the bus event the daemon consumes requests from.
func (d *Daemon) RequestEvent() string { return "daemon." + d.name + ".request" }

// ResponseEvent is the bus event the daemon emits responses on.
func (d *Daemon) ResponseEvent() string { return "daemon." + d.name + ".response" }

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// RegisterOperation adds an operation handler. Unknown operations are
// rejected here, at registration, not discovered at call time: duplicate
// names and registration after start are both errors.
func (d *Daemon) RegisterOperation(operation string, handler Handler) error {
	if operation == "" {
		return fmt.Errorf("operation name required")
	}
	if handler == nil {
		return fmt.Errorf("handler for %s is nil", operation)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateStopped {
		return fmt.Errorf("cannot register %s: daemon %s is %s", operation, d.name, d.state)
	}
	if _, exists := d.handlers[operation]; exists {
		return fmt.Errorf("operation %s already registered on daemon %s", operation, d.name)
	}
	d.handlers[operation] = handler
	d.ops = append(d.ops, operation)
	return nil
}

// Operations returns the registered operation names in registration order.
func (d *Daemon) Operations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.ops))
	copy(out, d.ops)
	return out
}

// Start subscribes the daemon to its request event and launches the worker.
// Fails with ErrAlreadyRunning unless the daemon is stopped.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateStopped {
		d.mu.Unlock()
		return fmt.Errorf("daemon %s: %w (state %s)", d.name, ErrAlreadyRunning, d.state)
	}
	d.state = StateStarting
	d.queue = make(chan protocol.Envelope, queueSize)
	d.stopCh = make(chan struct{})
	queue, stopCh := d.queue, d.stopCh

	d.sub = d.bus.On(d.RequestEvent(), func(payload any) {
		env, ok := payload.(protocol.Envelope)
		if !ok {
			d.log.Warn("daemon %s: dropping non-envelope payload %T", d.name, payload)
			return
		}
		select {
		case queue <- env:
		case <-stopCh:
			d.log.Warn("daemon %s: dropping request %s, daemon stopping", d.name, env.CorrelationID)
		}
	})

	d.wg.Add(1)
	go d.work(ctx, queue, stopCh)

	d.state = StateRunning
	d.mu.Unlock()

	logging.Audit(logging.AuditEvent{
		EventType: logging.AuditDaemonStarted,
		Daemon:    d.name,
	})
	d.log.Info("daemon %s started (%d operations)", d.name, len(d.ops))
	return nil
}

// Stop unsubscribes from the bus and waits for the worker to finish the
// request in flight. Failing to unsubscribe here would leak a handler on
// the bus for every start/stop cycle.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if d.state != StateRunning {
		d.mu.Unlock()
		return
	}
	d.state = StateStopping
	d.bus.Off(d.sub)
	d.sub = nil
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()

	d.mu.Lock()
	d.state = StateStopped
	d.queue = nil
	d.mu.Unlock()

	logging.Audit(logging.AuditEvent{
		EventType: logging.AuditDaemonStopped,
		Daemon:    d.name,
	})
	d.log.Info("daemon %s stopped", d.name)
}

// work is the single-writer loop: one request at a time, responses emitted
// strictly after the handler returns.
func (d *Daemon) work(ctx context.Context, queue chan protocol.Envelope, stopCh chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case env := <-queue:
			d.handleRequest(ctx, env)
		case <-stopCh:
			// Drain what was enqueued before the unsubscribe so no caller
			// is silently left to time out.
			for {
				select {
				case env := <-queue:
					d.handleRequest(ctx, env)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleRequest executes one envelope. Daemon-level failures (unknown
// operation, handler error, handler panic) always become a correlated error
// envelope; a dropped response would leave the caller to expire via timeout
// and mask the real cause.
func (d *Daemon) handleRequest(ctx context.Context, env protocol.Envelope) {
	if env.Kind != protocol.KindRequest {
		d.log.Debug("daemon %s: ignoring %s envelope %s", d.name, env.Kind, env.CorrelationID)
		return
	}

	d.mu.Lock()
	handler, ok := d.handlers[env.Operation]
	available := make([]string, len(d.ops))
	copy(available, d.ops)
	d.mu.Unlock()

	if !ok {
		d.log.Warn("daemon %s: unknown operation %q from %s", d.name, env.Operation, env.CorrelationID)
		d.bus.Emit(d.ResponseEvent(), protocol.NewErrorResponse(env, &protocol.UnknownOperationError{
			Operation: env.Operation,
			Available: available,
		}))
		return
	}

	timer := logging.StartTimer(logging.CategoryDaemon, d.name+"."+env.Operation)
	result, err := d.invoke(ctx, handler, env)
	timer.StopWithThreshold(slowHandlerWarn)

	if err != nil {
		d.bus.Emit(d.ResponseEvent(), protocol.NewErrorResponse(env, err))
		return
	}
	d.bus.Emit(d.ResponseEvent(), protocol.NewResponse(env, result))
}

// invoke runs the handler with panic containment so a handler bug becomes a
// HandlerError envelope instead of escaping into the bus emit loop.
func (d *Daemon) invoke(ctx context.Context, handler Handler, env protocol.Envelope) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("daemon %s: handler %s panicked: %v\n%s", d.name, env.Operation, r, debug.Stack())
			result = nil
			err = &protocol.HandlerError{Operation: env.Operation, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err = handler(ctx, env)
	if err != nil {
		// Wrap untyped handler failures; taxonomy errors pass through so
		// their structured detail survives into the error payload.
		var he *protocol.HandlerError
		if !errors.As(err, &he) && protocol.ErrorCode(err) == protocol.CodeHandlerError {
			err = &protocol.HandlerError{Operation: env.Operation, Err: err}
		}
		return nil, err
	}
	return result, nil
}
