package httpserver

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/histoseg/platform/internal/domain"
	"github.com/histoseg/platform/internal/observability"
)

// userIDHeader carries the authenticated user set by the fronting
// gateway. Identity and sessions live outside the core; this layer only
// trusts the header.
const userIDHeader = "X-User-ID"

type userCtxKey struct{}

// RequestID assigns a ULID to every request and threads it through the
// context and response headers.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-ID")
		if rid == "" {
			rid = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
		}
		w.Header().Set("X-Request-ID", rid)
		ctx := observability.ContextWithRequestID(r.Context(), rid)
		ctx = observability.ContextWithLogger(ctx, slog.With(slog.String("request_id", rid)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Recoverer turns panics into 500s with a stack in the log, never in the
// response.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic in handler",
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())))
				writeError(w, r, fmt.Errorf("panic: %v: %w", rec, domain.ErrInternal))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders sets the usual hardening headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// Authenticate requires the gateway identity header and stores the user
// id in the context.
func Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(userIDHeader)
		if userID == "" {
			writeError(w, r, fmt.Errorf("missing %s: %w", userIDHeader, domain.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), userID)))
	})
}

func withUser(ctx domain.Context, userID string) domain.Context {
	return context.WithValue(ctx, userCtxKey{}, userID)
}

// userFrom returns the authenticated user id, empty when unauthenticated.
func userFrom(ctx domain.Context) string {
	if v, ok := ctx.Value(userCtxKey{}).(string); ok {
		return v
	}
	return ""
}
