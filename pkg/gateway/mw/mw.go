package mw

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

type ctxKeyRequestID struct{}

func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return id, ok && id != ""
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = "req_" + RandHex(10)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// Error is the JSON error body every HTTP endpoint returns.
type Error struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Param     string `json:"param,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type ErrorEnvelope struct {
	Error *Error `json:"error"`
}

const (
	ErrInvalidRequest = "invalid_request_error"
	ErrPermission     = "permission_error"
	ErrNotFound       = "not_found_error"
	ErrOverloaded     = "overloaded_error"
	ErrRateLimit      = "rate_limit_error"
	ErrAPI            = "api_error"
)

// WriteError writes err as a JSON envelope, filling in the request id from r.
func WriteError(w http.ResponseWriter, r *http.Request, status int, err *Error) {
	if err != nil && err.RequestID == "" && r != nil {
		err.RequestID, _ = RequestIDFrom(r.Context())
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope{Error: err})
}

func Recover(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if logger != nil {
					reqID, _ := RequestIDFrom(r.Context())
					logger.Error("panic", "panic", v, "request_id", reqID)
				}
				WriteError(w, r, http.StatusInternalServerError, &Error{Type: ErrAPI, Message: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status   int
	upgraded bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// hijack records a websocket upgrade. The response status is 101 from then
// on; nothing else is written through this writer.
func (w *statusWriter) hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := w.ResponseWriter.(http.Hijacker).Hijack()
	if err == nil {
		w.upgraded = true
		w.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

type flushStatusWriter struct{ *statusWriter }

func (w flushStatusWriter) Flush() { w.ResponseWriter.(http.Flusher).Flush() }

type hijackStatusWriter struct{ *statusWriter }

func (w hijackStatusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) { return w.hijack() }

type flushHijackStatusWriter struct{ *statusWriter }

func (w flushHijackStatusWriter) Flush() { w.ResponseWriter.(http.Flusher).Flush() }

func (w flushHijackStatusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) { return w.hijack() }

// wrapStatus advertises exactly the optional interfaces the underlying
// writer has; the websocket upgrade needs http.Hijacker to survive.
func wrapStatus(sw *statusWriter) http.ResponseWriter {
	_, canFlush := sw.ResponseWriter.(http.Flusher)
	_, canHijack := sw.ResponseWriter.(http.Hijacker)
	switch {
	case canFlush && canHijack:
		return flushHijackStatusWriter{sw}
	case canFlush:
		return flushStatusWriter{sw}
	case canHijack:
		return hijackStatusWriter{sw}
	default:
		return sw
	}
}

// AccessLog logs one line per request. For an upgraded live session the line
// is written when the session ends, so duration_ms is the session length.
func AccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapStatus(sw), r)
		if logger == nil {
			return
		}
		reqID, _ := RequestIDFrom(r.Context())
		level := slog.LevelInfo
		if sw.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"upgraded", sw.upgraded,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// RandHex returns nbytes of crypto randomness, hex encoded.
func RandHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand should not fail in practice; fall back to time-based entropy.
		return hex.EncodeToString([]byte(time.Now().Format("20060102150405.000000000")))
	}
	return hex.EncodeToString(b)
}
