package protocol

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Error codes carried in the "code" field of error envelope payloads.
// Callers route on these programmatically; the messages are for humans.
const (
	CodeDuplicateCommand       = "duplicate_command"
	CodeNotFound               = "not_found"
	CodeValidation             = "validation_error"
	CodeDuplicateCorrelationID = "duplicate_correlation_id"
	CodeUnknownOperation       = "unknown_operation"
	CodeHandlerError           = "handler_error"
	CodeTimeout                = "timeout"
	CodeConnectionLost         = "connection_lost"
	CodeCancelled              = "cancelled"
)

// DuplicateCommandError is returned by the registry when a command name is
// registered twice within one category.
type DuplicateCommandError struct {
	Category string
	Name     string
}

func (e *DuplicateCommandError) Error() string {
	return fmt.Sprintf("command %s/%s already registered", e.Category, e.Name)
}

// NotFoundError is returned when command resolution fails.
type NotFoundError struct {
	Category string
	Name     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("command %s/%s not found", e.Category, e.Name)
}

// TypeMismatch records one payload field whose value has the wrong type.
type TypeMismatch struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// ValidationError enumerates every schema violation in a request payload.
// Required fields absent and wrong-typed fields are reported separately so
// callers can surface each violation, not just "invalid".
type ValidationError struct {
	Operation      string         `json:"operation"`
	MissingFields  []string       `json:"missingFields,omitempty"`
	TypeMismatches []TypeMismatch `json:"typeMismatches,omitempty"`
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.MissingFields) > 0 {
		missing := append([]string(nil), e.MissingFields...)
		sort.Strings(missing)
		parts = append(parts, fmt.Sprintf("missing required fields: %s", strings.Join(missing, ", ")))
	}
	for _, tm := range e.TypeMismatches {
		parts = append(parts, fmt.Sprintf("field %s: expected %s, got %s", tm.Field, tm.Expected, tm.Actual))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("payload for %s is invalid", e.Operation)
	}
	return fmt.Sprintf("payload for %s: %s", e.Operation, strings.Join(parts, "; "))
}

// Empty reports whether the validation found no violations.
func (e *ValidationError) Empty() bool {
	return len(e.MissingFields) == 0 && len(e.TypeMismatches) == 0
}

// DuplicateCorrelationIDError signals a caller bug: a correlation ID was
// tracked while already in flight.
type DuplicateCorrelationIDError struct {
	CorrelationID string
}

func (e *DuplicateCorrelationIDError) Error() string {
	return fmt.Sprintf("correlation ID %s already tracked", e.CorrelationID)
}

// UnknownOperationError is emitted by a daemon when a request names an
// operation it has no handler for. Available lists what the daemon serves
// so the caller can self-correct.
type UnknownOperationError struct {
	Operation string   `json:"operation"`
	Available []string `json:"available"`
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation %q (available: %s)", e.Operation, strings.Join(e.Available, ", "))
}

// HandlerError wraps a failure inside a daemon handler, preserving the
// original message across the envelope boundary.
type HandlerError struct {
	Operation string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s failed: %v", e.Operation, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// TimeoutError rejects a pending request whose deadline elapsed before a
// matching response arrived.
type TimeoutError struct {
	CorrelationID string
	Elapsed       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %v", e.CorrelationID, e.Elapsed)
}

// ConnectionLostError rejects every pending request addressed to a
// connection that closed while the request was outstanding.
type ConnectionLostError struct {
	ConnectionID  string
	CorrelationID string
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("connection %s lost with request %s outstanding", e.ConnectionID, e.CorrelationID)
}

// CancelledError rejects a pending request the caller explicitly abandoned.
type CancelledError struct {
	CorrelationID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("request %s cancelled", e.CorrelationID)
}

// Coder lets domain errors defined outside this package (room membership
// failures and the like) carry their own wire code.
type Coder interface {
	ErrCode() string
}

// Detailer lets domain errors attach structured fields to the error payload.
type Detailer interface {
	ErrDetails() map[string]any
}

// ErrorCode maps a taxonomy error to its wire code. Unrecognized errors are
// reported as handler errors so nothing ever crosses the wire as a bare string.
func ErrorCode(err error) string {
	var coder Coder
	if errors.As(err, &coder) {
		return coder.ErrCode()
	}
	var (
		dup     *DuplicateCommandError
		nf      *NotFoundError
		val     *ValidationError
		dupID   *DuplicateCorrelationIDError
		unknown *UnknownOperationError
		handler *HandlerError
		timeout *TimeoutError
		lost    *ConnectionLostError
		cancel  *CancelledError
	)
	switch {
	case errors.As(err, &dup):
		return CodeDuplicateCommand
	case errors.As(err, &nf):
		return CodeNotFound
	case errors.As(err, &val):
		return CodeValidation
	case errors.As(err, &dupID):
		return CodeDuplicateCorrelationID
	case errors.As(err, &unknown):
		return CodeUnknownOperation
	case errors.As(err, &timeout):
		return CodeTimeout
	case errors.As(err, &lost):
		return CodeConnectionLost
	case errors.As(err, &cancel):
		return CodeCancelled
	case errors.As(err, &handler):
		return CodeHandlerError
	default:
		return CodeHandlerError
	}
}

// ErrorPayload renders a taxonomy error into the payload of an error-kind
// envelope: a stable "code" plus structured detail fields.
func ErrorPayload(err error) map[string]any {
	payload := map[string]any{
		"code":    ErrorCode(err),
		"message": err.Error(),
	}

	var val *ValidationError
	if errors.As(err, &val) {
		if len(val.MissingFields) > 0 {
			payload["missingFields"] = val.MissingFields
		}
		if len(val.TypeMismatches) > 0 {
			payload["typeMismatches"] = val.TypeMismatches
		}
	}
	var unknown *UnknownOperationError
	if errors.As(err, &unknown) {
		payload["operation"] = unknown.Operation
		payload["available"] = unknown.Available
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		payload["correlationId"] = timeout.CorrelationID
		payload["elapsedMs"] = timeout.Elapsed.Milliseconds()
	}
	var lost *ConnectionLostError
	if errors.As(err, &lost) {
		payload["connectionId"] = lost.ConnectionID
	}
	var detailer Detailer
	if errors.As(err, &detailer) {
		for k, v := range detailer.ErrDetails() {
			payload[k] = v
		}
	}

	return payload
}

// PayloadError reconstructs a caller-facing error from an error-kind
// envelope payload received over the wire. Detail beyond the code and
// message is intentionally not round-tripped; callers that need field-level
// detail read the payload directly.
func PayloadError(payload map[string]any) error {
	code, _ := payload["code"].(string)
	message, _ := payload["message"].(string)
	if message == "" {
		message = "remote error"
	}
	if code == "" {
		return errors.New(message)
	}
	return fmt.Errorf("%s: %s", code, message)
}
