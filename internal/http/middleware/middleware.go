// Package middleware holds the HTTP middleware chain of the engine manager
// surface. Middleware that report failures or log share one Env.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain wraps h so that the first middleware is the outermost. Nil entries
// are skipped.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// Logger is the subset of logging behaviour required by the middleware.
type Logger interface {
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

// ProblemWriter emits problem+json responses.
type ProblemWriter func(w http.ResponseWriter, status int, title, detail, traceID, instance string)

// EnsureIDs enriches the request with request/trace IDs.
type EnsureIDs func(*http.Request) (*http.Request, string, string)

// IDFromContext extracts a request or trace ID from the request context.
type IDFromContext func(context.Context) string

// ClientAddress resolves the caller's IP from the request.
type ClientAddress func(*http.Request) string

// ObserveFunc records a completed request.
type ObserveFunc func(r *http.Request, status int, elapsed time.Duration)

// AllowFunc determines whether a client may proceed.
type AllowFunc func(key string, now time.Time) bool

// Env is shared by the middleware of one server. Problem is required; the
// remaining hooks may be nil.
type Env struct {
	Logger     Logger
	Problem    ProblemWriter
	RequestID  IDFromContext
	TraceID    IDFromContext
	ClientAddr ClientAddress
	Now        func() time.Time
}

func (e Env) reject(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	e.Problem(w, status, title, detail, idOf(e.TraceID, r), r.URL.Path)
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// RequestMetadata ensures every request has IDs and the response echoes them.
func RequestMetadata(ensure EnsureIDs) Middleware {
	if ensure == nil {
		return nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, requestID, traceID := ensure(r)
			w.Header().Set("X-Request-Id", requestID)
			if traceID != "" {
				w.Header().Set("X-Trace-Id", traceID)
			}
			next.ServeHTTP(w, req)
		})
	}
}

// SecurityHeaders applies standard hardening headers. Engine answers are
// host specific, so they are never cached.
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}

// BodyLimit rejects requests declaring more than limit bytes and caps what
// the handler can read.
func (e Env) BodyLimit(limit int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				e.reject(w, r, http.StatusRequestEntityTooLarge, "Payload Too Large", fmt.Sprintf("Request body exceeds %d bytes", limit))
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit enforces allow per client address. Preflight requests pass.
func (e Env) RateLimit(allow AllowFunc) Middleware {
	if allow == nil || e.ClientAddr == nil {
		return nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodOptions && !allow(e.ClientAddr(r), e.now()) {
				e.reject(w, r, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS applies handler and rejects disallowed origins with a problem response.
func (e Env) CORS(handler *cors.Cors) Middleware {
	if handler == nil {
		return nil
	}
	return func(next http.Handler) http.Handler {
		corsHandler := handler.Handler(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" && !handler.OriginAllowed(r) {
				e.reject(w, r, http.StatusForbidden, "Not allowed by CORS", fmt.Sprintf("Origin %s is not allowed", origin))
				return
			}
			corsHandler.ServeHTTP(w, r)
		})
	}
}

// AccessLog reports every request to observe and logs it at a level chosen by
// status. Engine requests also log the OpenCV version asked for.
func (e Env) AccessLog(observe ObserveFunc) Middleware {
	if e.Logger == nil && observe == nil {
		return nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			if observe != nil {
				observe(r, rec.status, elapsed)
			}
			if e.Logger == nil {
				return
			}
			e.logRequest(r, rec, elapsed)
		})
	}
}

func (e Env) logRequest(r *http.Request, rec *statusRecorder, elapsed time.Duration) {
	fields := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"durationMs", float64(elapsed.Microseconds()) / 1000.0,
		"bytesWritten", rec.bytes,
	}
	if version := r.URL.Query().Get("version"); version != "" && strings.HasPrefix(r.URL.Path, "/v1/engine/") {
		fields = append(fields, "opencvVersion", version)
	}
	for _, kv := range []struct {
		key string
		val string
	}{
		{"requestId", idOf(e.RequestID, r)},
		{"traceId", idOf(e.TraceID, r)},
		{"remoteAddr", addrOf(e.ClientAddr, r)},
	} {
		if kv.val != "" {
			fields = append(fields, kv.key, kv.val)
		}
	}

	switch {
	case rec.status >= 500:
		e.Logger.Errorw("http request completed", fields...)
	case rec.status >= 400:
		e.Logger.Warnw("http request completed", fields...)
	default:
		e.Logger.Infow("http request completed", fields...)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *statusRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func idOf(fn IDFromContext, r *http.Request) string {
	if fn == nil {
		return ""
	}
	return fn(r.Context())
}

func addrOf(fn ClientAddress, r *http.Request) string {
	if fn == nil {
		return ""
	}
	return fn(r)
}
