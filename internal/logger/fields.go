package logger

import "log/slog"

// Standard field keys for structured logging across the gateway. Use these
// keys consistently so log aggregation and querying stay coherent across
// the codec, framer, link manager, and persistence layers.
const (
	// Distributed tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Link identification
	KeyLinkID   = "link_id"
	KeyLinkName = "link_name"
	KeyLinkMode = "link_mode"
	KeyLinkAddr = "link_addr"

	// Protocol frame fields
	KeyProtocol   = "protocol"
	KeyRemoteCode = "remote_code"
	KeyCenterCode = "center_code"
	KeyFuncCode   = "func_code"
	KeySerial     = "serial"
	KeyDirection  = "direction"

	// Connection identification
	KeyClientAddr   = "client_addr"
	KeyConnectionID = "connection_id"

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyAttempt    = "attempt"
	KeyBytes      = "bytes"
)

// TraceID returns a slog.Attr for trace ID
func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }

// SpanID returns a slog.Attr for span ID
func SpanID(id string) slog.Attr { return slog.String(KeySpanID, id) }

// LinkID returns a slog.Attr for a link identifier
func LinkID(id string) slog.Attr { return slog.String(KeyLinkID, id) }

// LinkName returns a slog.Attr for a link's display name
func LinkName(name string) slog.Attr { return slog.String(KeyLinkName, name) }

// LinkMode returns a slog.Attr for a link's mode (server/client)
func LinkMode(mode string) slog.Attr { return slog.String(KeyLinkMode, mode) }

// LinkAddr returns a slog.Attr for a link's listen or peer address
func LinkAddr(addr string) slog.Attr { return slog.String(KeyLinkAddr, addr) }

// Protocol returns a slog.Attr for the wire protocol name
func Protocol(proto string) slog.Attr { return slog.String(KeyProtocol, proto) }

// RemoteCode returns a slog.Attr for the SL651 remote station address
func RemoteCode(code string) slog.Attr { return slog.String(KeyRemoteCode, code) }

// CenterCode returns a slog.Attr for the SL651 center station address
func CenterCode(code string) slog.Attr { return slog.String(KeyCenterCode, code) }

// FuncCode returns a slog.Attr for the SL651 function code
func FuncCode(code string) slog.Attr { return slog.String(KeyFuncCode, code) }

// Serial returns a slog.Attr for a frame serial number
func Serial(serial string) slog.Attr { return slog.String(KeySerial, serial) }

// Direction returns a slog.Attr for frame direction (UP/DOWN)
func Direction(dir string) slog.Attr { return slog.String(KeyDirection, dir) }

// ClientAddr returns a slog.Attr for a remote peer address
func ClientAddr(addr string) slog.Attr { return slog.String(KeyClientAddr, addr) }

// ConnectionID returns a slog.Attr for a connection identifier
func ConnectionID(id string) slog.Attr { return slog.String(KeyConnectionID, id) }

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr { return slog.Int(KeyAttempt, n) }

// Bytes returns a slog.Attr for a byte count
func Bytes(n int) slog.Attr { return slog.Int(KeyBytes, n) }
