package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyRequestID is the context key under which the request id is
	// stored by the RequestID middleware.
	contextKeyRequestID contextKey = iota
)

// requestIDHeader is echoed back on every response. Clients may supply their
// own id for cross-system tracing; absent one, a UUID is generated.
const requestIDHeader = "X-Request-Id"

// RequestID is a middleware that assigns every request an id: the inbound
// X-Request-Id header when present, a fresh UUID otherwise. The id is set on
// the response header and stored in the request context for the logger.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), contextKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromCtx returns the id assigned by the RequestID middleware, or
// an empty string outside of it.
func RequestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and latency.
// RequestID is expected to run before this middleware so that the request id
// is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", RequestIDFromCtx(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
