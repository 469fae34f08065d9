package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType classifies an audit event.
type AuditEventType string

const (
	// Request lifecycle
	AuditRequestDispatched AuditEventType = "request_dispatched"
	AuditRequestSettled    AuditEventType = "request_settled"

	// Connection lifecycle
	AuditConnectionOpened AuditEventType = "connection_opened"
	AuditConnectionClosed AuditEventType = "connection_closed"

	// Daemon lifecycle
	AuditDaemonStarted AuditEventType = "daemon_started"
	AuditDaemonStopped AuditEventType = "daemon_stopped"
)

// AuditEvent is one structured entry in the audit trail, written as a JSON
// line. The correlation ID ties a settled event back to its dispatch.
type AuditEvent struct {
	Timestamp     int64          `json:"ts"` // Unix milliseconds
	EventType     AuditEventType `json:"event"`
	CorrelationID string         `json:"cid,omitempty"`
	Operation     string         `json:"op,omitempty"`
	Outcome       string         `json:"outcome,omitempty"` // resolved/rejected/timeout/cancelled
	ConnectionID  string         `json:"conn,omitempty"`
	Daemon        string         `json:"daemon,omitempty"`
	DurationMs    int64          `json:"dur_ms,omitempty"`
	Message       string         `json:"msg,omitempty"`
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// InitAudit opens the audit trail file. Like the category loggers it is
// active only in debug mode; in production the request metrics carry the
// same information in aggregate.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit trail started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)
	return nil
}

// CloseAudit closes the audit trail file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit writes one event to the trail. A no-op when the trail is not open,
// so call sites never need to guard.
func Audit(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	auditFile.Write(append(data, '\n'))
}

// AuditDispatch records a request leaving the dispatcher.
func AuditDispatch(correlationID, operation, connectionID string) {
	Audit(AuditEvent{
		EventType:     AuditRequestDispatched,
		CorrelationID: correlationID,
		Operation:     operation,
		ConnectionID:  connectionID,
	})
}

// AuditSettle records a pending request settling, whatever the source.
func AuditSettle(correlationID, outcome string, elapsed time.Duration) {
	Audit(AuditEvent{
		EventType:     AuditRequestSettled,
		CorrelationID: correlationID,
		Outcome:       outcome,
		DurationMs:    elapsed.Milliseconds(),
	})
}
