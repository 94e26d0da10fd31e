package hub

import (
	"context"

	"tradepulse/logger"
)

// Audit event kinds recorded by the hub.
const (
	AuditConnect    = "connect"
	AuditDisconnect = "disconnect"
	AuditAuthReject = "auth_reject"
	AuditError      = "error"
)

// AuditEvent describes one connection lifecycle event.
type AuditEvent struct {
	UserID    string
	SessionID string
	Kind      string
	Detail    string
}

// AuditRecorder persists connection lifecycle events. Recording is
// best effort: the hub logs failures and carries on.
type AuditRecorder interface {
	Record(ctx context.Context, event AuditEvent) error
}

type logAuditRecorder struct {
	log *logger.Entry
}

// NewLogAuditRecorder returns an AuditRecorder that writes events
// through the shared structured logger.
func NewLogAuditRecorder(log *logger.Log) AuditRecorder {
	return &logAuditRecorder{log: log.WithComponent("hub_audit")}
}

func (r *logAuditRecorder) Record(_ context.Context, event AuditEvent) error {
	r.log.WithFields(logger.Fields{
		"user_id":    event.UserID,
		"session_id": event.SessionID,
		"event":      event.Kind,
		"detail":     event.Detail,
	}).Info("audit event")
	return nil
}
