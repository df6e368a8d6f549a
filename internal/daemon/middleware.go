package daemon

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/blah-code/daemon/internal/logger"
)

// generateRequestID mints an 8-byte hex request identifier for requests that
// don't already carry one.
func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

type contextKey string

const contextKeyRemoteAddr contextKey = "remote_addr"

func withRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, contextKeyRemoteAddr, addr)
}

// withRequestLogging generates (or propagates) a request ID, threads it
// through the request context and response header, and logs the incoming
// request at info level before passing it on.
func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := logger.WithRequestID(r.Context(), requestID)
		ctx = withRemoteAddr(ctx, r.RemoteAddr)
		r = r.WithContext(ctx)

		logger.InfoContext(ctx, "http request", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// withRecovery converts a panic in any handler into a 500 response and an
// error log line instead of crashing the daemon process.
func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.ErrorContext(r.Context(), "panic recovered", "panic", rec, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
