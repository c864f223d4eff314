package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this module's spans in whatever TracerProvider
// the embedding application has installed via otel.SetTracerProvider.
// This package never installs a provider itself; with none installed,
// otel's default no-op provider makes every span here free.
const tracerName = "github.com/marmos91/iosmux"

func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// Attribute keys for span annotations: one constant per dimension.
const (
	AttrUDID        = "iosmux.udid"
	AttrDeviceID    = "iosmux.device_id"
	AttrServiceName = "iosmux.service_name"
	AttrAFCOp       = "iosmux.afc_op"
	AttrAFCPath     = "iosmux.afc_path"
	AttrSessionID   = "iosmux.session_id"
)

// StartSpan starts a span named name under ctx's current trace,
// returning the derived context callers must pass to nested
// operations and the span itself so the caller can End() it (and
// RecordError on failure).
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span (if non-nil) before ending it. Centralizing
// this keeps every call site's defer a one-liner: `defer func() { telemetry.EndSpan(span, err) }()`.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// UDID returns an attribute for a device's UDID.
func UDID(udid string) attribute.KeyValue { return attribute.String(AttrUDID, udid) }

// ServiceName returns an attribute for a lockdown service name.
func ServiceName(name string) attribute.KeyValue { return attribute.String(AttrServiceName, name) }

// AFCOp returns an attribute for an AFC operation name.
func AFCOp(op string) attribute.KeyValue { return attribute.String(AttrAFCOp, op) }

// AFCPath returns an attribute for an AFC path.
func AFCPath(path string) attribute.KeyValue { return attribute.String(AttrAFCPath, path) }

// SessionID returns an attribute for a WebInspector connection id.
func SessionID(id string) attribute.KeyValue { return attribute.String(AttrSessionID, id) }
