// Package protocol defines the wire-level envelope exchanged between execution
// contexts and the error taxonomy shared by the registry, tracker, daemons, and
// dispatcher. This package exists to break import cycles between bus, dispatch,
// and transport; types here are foundational data structures with no complex
// dependencies.
package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an envelope.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindError    Kind = "error"
	// KindCancel is a best-effort notice that the caller abandoned a pending
	// request. It carries no payload and never receives a reply.
	KindCancel Kind = "cancel"
)

// Envelope is the immutable message unit exchanged between contexts.
// Exactly one response or error envelope is ever produced per request
// envelope's correlation ID; late duplicates are discarded by the
// correlation tracker.
type Envelope struct {
	CorrelationID string         `json:"correlationId" cbor:"1,keyasint"`
	Kind          Kind           `json:"kind" cbor:"2,keyasint"`
	Operation     string         `json:"operation" cbor:"3,keyasint"`
	Payload       map[string]any `json:"payload,omitempty" cbor:"4,keyasint,omitempty"`
	Timestamp     int64          `json:"timestamp" cbor:"5,keyasint"` // epoch ms
}

// NewCorrelationID returns a fresh opaque correlation ID. UUIDv4 gives
// enough entropy that collisions across contexts are a caller bug, which is
// what the tracker's DuplicateCorrelationID error assumes.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewRequest builds a request envelope with a fresh correlation ID.
func NewRequest(operation string, payload map[string]any) Envelope {
	return Envelope{
		CorrelationID: NewCorrelationID(),
		Kind:          KindRequest,
		Operation:     operation,
		Payload:       payload,
		Timestamp:     time.Now().UnixMilli(),
	}
}

// NewResponse builds the response envelope paired with a request.
func NewResponse(req Envelope, payload map[string]any) Envelope {
	return Envelope{
		CorrelationID: req.CorrelationID,
		Kind:          KindResponse,
		Operation:     req.Operation,
		Payload:       payload,
		Timestamp:     time.Now().UnixMilli(),
	}
}

// NewErrorResponse builds the error envelope paired with a request. The
// error is rendered through ErrorPayload so the caller gets a structured
// code plus detail fields, never a bare string.
func NewErrorResponse(req Envelope, err error) Envelope {
	return Envelope{
		CorrelationID: req.CorrelationID,
		Kind:          KindError,
		Operation:     req.Operation,
		Payload:       ErrorPayload(err),
		Timestamp:     time.Now().UnixMilli(),
	}
}

// NewCancel builds the best-effort cancellation notice for a pending request.
func NewCancel(correlationID, operation string) Envelope {
	return Envelope{
		CorrelationID: correlationID,
		Kind:          KindCancel,
		Operation:     operation,
		Timestamp:     time.Now().UnixMilli(),
	}
}

// Validate checks the structural invariants every envelope must satisfy
// before it is routed. Transport readers call this on every inbound frame.
func (e Envelope) Validate() error {
	if e.CorrelationID == "" {
		return fmt.Errorf("envelope missing correlationId")
	}
	switch e.Kind {
	case KindRequest, KindResponse, KindError, KindCancel:
	default:
		return fmt.Errorf("envelope has unknown kind %q", e.Kind)
	}
	if e.Kind == KindRequest && e.Operation == "" {
		return fmt.Errorf("request envelope missing operation")
	}
	return nil
}

// Age returns how long ago the envelope was created, for latency accounting
// and stale-message detection.
func (e Envelope) Age() time.Duration {
	return time.Since(time.UnixMilli(e.Timestamp))
}
