package logger

import (
	"context"
	"log/slog"
)

// Standard field keys for structured logging, kept consistent across
// muxd, lockdown, afc, and webinspector so log aggregation can filter
// on a stable key set.
const (
	// Tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Device identity
	KeyUDID     = "udid"
	KeyDeviceID = "device_id"

	// Service dispatch
	KeyService   = "service"
	KeySessionID = "session_id"
	KeyPort      = "port"
	KeySSL       = "ssl"

	// AFC
	KeyAFCOp  = "afc_op"
	KeyAFCSeq = "afc_seq"
	KeyPath   = "path"
	KeyHandle = "handle"
	KeySize   = "size"

	// WebInspector
	KeyRPCSelector  = "selector"
	KeyConnectionID = "connection_id"
	KeyPageID       = "page_id"
	KeyAutomationID = "automation_id"

	// Operation metadata
	KeyError     = "error"
	KeyErrorCode = "error_code"
	KeyDuration  = "duration_ms"
)

type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds request-scoped fields attached to a context.Context
// so every log line emitted while handling a device operation carries
// the same udid/device_id/service without re-passing them explicitly.
type LogContext struct {
	UDID      string
	DeviceID  int
	Service   string
	SessionID string
	TraceID   string
	SpanID    string
}

// WithContext attaches lc to ctx.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from ctx, or nil if absent.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// Clone returns a copy of lc, or nil if lc is nil.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithService returns a copy of lc with Service set.
func (lc *LogContext) WithService(service string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Service = service
	}
	return clone
}

// WithSession returns a copy of lc with SessionID set.
func (lc *LogContext) WithSession(sessionID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.SessionID = sessionID
	}
	return clone
}

func (lc *LogContext) fields() []any {
	if lc == nil {
		return nil
	}
	fields := make([]any, 0, 8)
	if lc.UDID != "" {
		fields = append(fields, KeyUDID, lc.UDID)
	}
	if lc.DeviceID != 0 {
		fields = append(fields, KeyDeviceID, lc.DeviceID)
	}
	if lc.Service != "" {
		fields = append(fields, KeyService, lc.Service)
	}
	if lc.SessionID != "" {
		fields = append(fields, KeySessionID, lc.SessionID)
	}
	if lc.TraceID != "" {
		fields = append(fields, KeyTraceID, lc.TraceID)
	}
	if lc.SpanID != "" {
		fields = append(fields, KeySpanID, lc.SpanID)
	}
	return fields
}

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
