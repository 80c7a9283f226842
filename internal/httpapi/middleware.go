package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"kirogateway/internal/observability"
)

type requestIDKey struct{}

// WithRequestID assigns each request a request id (from X-Request-ID if the
// caller supplied one, otherwise a fresh uuid), echoes it back in the
// response, and stores it in the request context for downstream logging.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithAccessLog logs method, path, status, and elapsed time for every
// request, and stamps a X-Response-Time header on the way out. The header
// must land before the first byte of the body, so it is set at the first
// WriteHeader/Write call rather than after the handler returns — by then,
// for a streaming response, the headers have long since gone out.
func WithAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK, start: start}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		observability.LoggerWithTrace(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Str("request_id", RequestIDFromContext(r.Context())).
			Dur("elapsed", elapsed).
			Msg("request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	start       time.Time
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.ResponseWriter.Header().Set("X-Response-Time", time.Since(w.start).String())
		w.wroteHeader = true
	}
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush forwards to the underlying ResponseWriter when it supports
// http.Flusher, so a wrapped SSE handler's flush-after-every-event still
// reaches the client instead of buffering until the handler returns.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// WithAdminAuth requires a "Bearer <token>" Authorization header matching
// token for every request it wraps. An empty token disables the gateway's
// admin surface entirely (every request is rejected) rather than leaving
// it open.
func WithAdminAuth(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			http.Error(w, `{"error":"admin endpoints are disabled"}`, http.StatusForbidden)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" || got != token {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
