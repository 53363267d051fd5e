package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for a single frame or
// link operation.
type LogContext struct {
	TraceID    string    // OpenTelemetry-style trace ID, if tracing is wired in
	SpanID     string    // Span ID for the current operation
	LinkID     string    // Link the operation belongs to
	RemoteCode string    // SL651 remote station address (BCD decimal string)
	FuncCode   string    // SL651 function code (2-hex-digit string)
	ClientAddr string    // Remote peer address (server-mode client connections)
	StartTime  time.Time // For duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a link.
func NewLogContext(linkID string) *LogContext {
	return &LogContext{
		LinkID:    linkID,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		TraceID:    lc.TraceID,
		SpanID:     lc.SpanID,
		LinkID:     lc.LinkID,
		RemoteCode: lc.RemoteCode,
		FuncCode:   lc.FuncCode,
		ClientAddr: lc.ClientAddr,
		StartTime:  lc.StartTime,
	}
}

// WithRemoteCode returns a copy with the remote station code set
func (lc *LogContext) WithRemoteCode(remoteCode string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.RemoteCode = remoteCode
	}
	return clone
}

// WithFuncCode returns a copy with the function code set
func (lc *LogContext) WithFuncCode(funcCode string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.FuncCode = funcCode
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
