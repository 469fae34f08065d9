// Package dispatch routes validated commands to their execution context.
// Local-affinity commands are published on the in-process bus toward their
// daemon; remote-affinity commands are serialized over the caller's
// transport connection and awaited through the correlation tracker.
//
// The dispatcher never references the transport's concrete types. It writes
// through the narrow Sender interface and receives disconnect notifications
// through ConnectionEventSink, which it implements - that is what breaks
// the dispatcher/transport reference cycle.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"continuum/internal/bus"
	"continuum/internal/correlation"
	"continuum/internal/logging"
	"continuum/internal/protocol"
	"continuum/internal/registry"
)

// Sender writes envelopes to one remote context. The transport's connection
// type satisfies this.
type Sender interface {
	ID() string
	Send(env protocol.Envelope) error
}

// ConnectionEventSink receives connection lifecycle notifications from the
// transport. The transport depends only on this interface.
type ConnectionEventSink interface {
	OnDisconnect(connID string)
}

// Dispatcher resolves where a command executes and returns a future for its
// single settlement.
type Dispatcher struct {
	bus      *bus.Bus
	tracker  *correlation.Tracker
	registry *registry.Registry
	log      *logging.Logger

	mu sync.Mutex
	// outbound tracks remote dispatches: which connection each pending
	// correlation ID was sent on, so a disconnect can fail them fast and a
	// cancel can notify the right peer.
	outbound map[string]outboundEntry
	byConn   map[string]map[string]struct{}
	// inbound tracks requests that arrived FROM a remote context and are
	// executing on a local daemon: the daemon's response is forwarded back
	// over the originating connection instead of settling a local future.
	inbound map[string]Sender

	daemonSubs []*bus.Subscription
}

type outboundEntry struct {
	sender    Sender
	operation string
}

// New creates a dispatcher. The tracker's settlement hook is claimed here;
// the dispatcher must be the only caller of SetOnSettled.
func New(b *bus.Bus, tracker *correlation.Tracker, reg *registry.Registry) *Dispatcher {
	d := &Dispatcher{
		bus:      b,
		tracker:  tracker,
		registry: reg,
		log:      logging.Get(logging.CategoryDispatch),
		outbound: make(map[string]outboundEntry),
		byConn:   make(map[string]map[string]struct{}),
		inbound:  make(map[string]Sender),
	}
	tracker.SetOnSettled(d.dropOutbound)
	return d
}

// AttachDaemon subscribes the dispatcher to a daemon's response event so
// local executions settle their futures (or are forwarded back to a remote
// caller). Called by the bootstrap for every daemon before any dispatch.
func (d *Dispatcher) AttachDaemon(responseEvent string) {
	sub := d.bus.On(responseEvent, func(payload any) {
		env, ok := payload.(protocol.Envelope)
		if !ok {
			d.log.Warn("non-envelope payload %T on %s", payload, responseEvent)
			return
		}
		d.handleDaemonResponse(env)
	})
	d.daemonSubs = append(d.daemonSubs, sub)
}

// Detach removes the dispatcher's daemon subscriptions. Bootstrap calls
// this during shutdown, after the daemons have stopped.
func (d *Dispatcher) Detach() {
	for _, sub := range d.daemonSubs {
		d.bus.Off(sub)
	}
	d.daemonSubs = nil
}

// Dispatch resolves, validates, and routes one command invocation.
// Validation and resolution failures are returned immediately and never
// consume a correlation slot. target carries the remote connection for
// non-local affinity and may be nil for local commands.
func (d *Dispatcher) Dispatch(ctx context.Context, category, name string, payload map[string]any, timeout time.Duration, target Sender) (*correlation.Future, error) {
	def, err := d.registry.Resolve(category, name)
	if err != nil {
		return nil, err
	}
	if err := d.registry.Validate(def, payload); err != nil {
		return nil, err
	}
	if def.Affinity.Remote() && target == nil {
		return nil, fmt.Errorf("command %s/%s has affinity %s but no target connection", category, name, def.Affinity)
	}

	env := protocol.NewRequest(qualify(category, name), payload)
	future, err := d.tracker.Track(env.CorrelationID, timeout)
	if err != nil {
		return nil, err
	}

	if def.Affinity.Remote() {
		d.registerOutbound(env.CorrelationID, env.Operation, target)
		logging.AuditDispatch(env.CorrelationID, env.Operation, target.ID())
		if err := target.Send(env); err != nil {
			d.log.Error("send %s to %s failed: %v", env.CorrelationID, target.ID(), err)
			d.tracker.Reject(env.CorrelationID, &protocol.ConnectionLostError{
				ConnectionID:  target.ID(),
				CorrelationID: env.CorrelationID,
			})
			return future, nil
		}
		d.log.Debug("dispatched %s to connection %s", env.CorrelationID, target.ID())
		return future, nil
	}

	// Local affinity: hand to the category's daemon. The envelope carries
	// the bare operation name; the category picked the daemon.
	local := env
	local.Operation = name
	logging.AuditDispatch(env.CorrelationID, env.Operation, "")
	d.bus.Emit("daemon."+category+".request", local)
	d.log.Debug("dispatched %s to daemon %s", env.CorrelationID, category)
	return future, nil
}

// CancelDispatch rejects the pending request with Cancelled and, for remote
// dispatches, sends a best-effort cancellation notice so the peer can
// abandon the work. Local settlement never waits on the peer.
func (d *Dispatcher) CancelDispatch(correlationID string) {
	d.mu.Lock()
	entry, wasRemote := d.outbound[correlationID]
	d.mu.Unlock()

	d.tracker.Cancel(correlationID)

	if wasRemote {
		notice := protocol.NewCancel(correlationID, entry.operation)
		if err := entry.sender.Send(notice); err != nil {
			d.log.Debug("cancel notice for %s not delivered: %v", correlationID, err)
		}
	}
}

// HandleInbound processes one envelope read off a transport connection.
func (d *Dispatcher) HandleInbound(conn Sender, env protocol.Envelope) {
	logging.WithCorrelationID(logging.CategoryDispatch, env.CorrelationID).
		WithField("conn", conn.ID()).
		Debug("inbound %s envelope", env.Kind)
	switch env.Kind {
	case protocol.KindResponse:
		d.tracker.Resolve(env.CorrelationID, env.Payload)
	case protocol.KindError:
		d.tracker.Reject(env.CorrelationID, protocol.PayloadError(env.Payload))
	case protocol.KindRequest:
		d.handleRemoteRequest(conn, env)
	case protocol.KindCancel:
		d.handleRemoteCancel(env)
	}
}

// handleRemoteRequest serves a request issued BY a remote context against a
// local daemon. Resolution and validation errors go straight back over the
// wire; valid requests are recorded in the inbound index so the daemon's
// response is forwarded to the originating connection.
func (d *Dispatcher) handleRemoteRequest(conn Sender, env protocol.Envelope) {
	category, name, err := splitOperation(env.Operation)
	if err != nil {
		d.replyError(conn, env, err)
		return
	}
	def, err := d.registry.Resolve(category, name)
	if err != nil {
		d.replyError(conn, env, err)
		return
	}
	if err := d.registry.Validate(def, env.Payload); err != nil {
		d.replyError(conn, env, err)
		return
	}
	if def.Affinity.Remote() {
		// This context is not the executor for browser/peer commands.
		d.replyError(conn, env, fmt.Errorf("command %s has affinity %s and cannot execute here", env.Operation, def.Affinity))
		return
	}

	d.mu.Lock()
	d.inbound[env.CorrelationID] = conn
	d.mu.Unlock()

	local := env
	local.Operation = name
	d.bus.Emit("daemon."+category+".request", local)
}

func (d *Dispatcher) handleRemoteCancel(env protocol.Envelope) {
	d.mu.Lock()
	_, ok := d.inbound[env.CorrelationID]
	delete(d.inbound, env.CorrelationID)
	d.mu.Unlock()
	if ok {
		// The daemon may already be executing; its response will find no
		// inbound entry and be dropped with a log line.
		d.log.Debug("remote cancelled %s", env.CorrelationID)
	}
}

// handleDaemonResponse settles a local future or forwards the response to
// the remote caller that issued the request.
func (d *Dispatcher) handleDaemonResponse(env protocol.Envelope) {
	d.mu.Lock()
	conn, forRemote := d.inbound[env.CorrelationID]
	if forRemote {
		delete(d.inbound, env.CorrelationID)
	}
	d.mu.Unlock()

	if forRemote {
		if err := conn.Send(env); err != nil {
			d.log.Warn("response %s not delivered to %s: %v", env.CorrelationID, conn.ID(), err)
		}
		return
	}

	switch env.Kind {
	case protocol.KindResponse:
		d.tracker.Resolve(env.CorrelationID, env.Payload)
	case protocol.KindError:
		d.tracker.Reject(env.CorrelationID, protocol.PayloadError(env.Payload))
	default:
		d.log.Warn("daemon emitted %s envelope %s on its response event", env.Kind, env.CorrelationID)
	}
}

// OnDisconnect implements ConnectionEventSink. Every dispatch outstanding
// on the closed connection rejects with ConnectionLost immediately instead
// of waiting out its timeout; inbound requests from that connection are
// forgotten so daemon responses are not sent into a dead socket.
func (d *Dispatcher) OnDisconnect(connID string) {
	d.mu.Lock()
	ids := d.byConn[connID]
	delete(d.byConn, connID)
	pending := make([]string, 0, len(ids))
	for id := range ids {
		delete(d.outbound, id)
		pending = append(pending, id)
	}
	for id, conn := range d.inbound {
		if conn.ID() == connID {
			delete(d.inbound, id)
		}
	}
	d.mu.Unlock()

	if len(pending) > 0 {
		d.log.Warn("connection %s lost with %d dispatches outstanding", connID, len(pending))
	}
	for _, id := range pending {
		d.tracker.Reject(id, &protocol.ConnectionLostError{
			ConnectionID:  connID,
			CorrelationID: id,
		})
	}
}

func (d *Dispatcher) registerOutbound(correlationID, operation string, sender Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outbound[correlationID] = outboundEntry{sender: sender, operation: operation}
	if d.byConn[sender.ID()] == nil {
		d.byConn[sender.ID()] = make(map[string]struct{})
	}
	d.byConn[sender.ID()][correlationID] = struct{}{}
}

// dropOutbound is the tracker's settlement hook: whatever settled the
// request, the connection index entry is dead.
func (d *Dispatcher) dropOutbound(correlationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.outbound[correlationID]
	if !ok {
		return
	}
	delete(d.outbound, correlationID)
	if ids := d.byConn[entry.sender.ID()]; ids != nil {
		delete(ids, correlationID)
		if len(ids) == 0 {
			delete(d.byConn, entry.sender.ID())
		}
	}
}

func (d *Dispatcher) replyError(conn Sender, req protocol.Envelope, err error) {
	if sendErr := conn.Send(protocol.NewErrorResponse(req, err)); sendErr != nil {
		d.log.Warn("error reply for %s not delivered: %v", req.CorrelationID, sendErr)
	}
}

// qualify joins category and name into the wire operation string.
func qualify(category, name string) string {
	return category + "/" + name
}

func splitOperation(operation string) (category, name string, err error) {
	parts := strings.SplitN(operation, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("operation %q is not category/name", operation)
	}
	return parts[0], parts[1], nil
}
