package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/easycicd/easycicd/pkg/metrics"
	"github.com/easycicd/easycicd/pkg/storage"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

const sessionCookie = "easycicd_session"

// traceMiddleware ensures every request carries a trace id, echoed back in
// the response header and available via traceID(ctx).
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trace := r.Header.Get("x-trace-id")
		if trace == "" {
			trace = uuid.NewString()
		}
		w.Header().Set("x-trace-id", trace)
		ctx := context.WithValue(r.Context(), traceIDKey, trace)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func traceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// metricsMiddleware counts requests by method and response status.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.APIRequestsTotal.
			WithLabelValues(r.Method, strconv.Itoa(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack keeps WebSocket upgrades working through the metrics wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// authMiddleware requires a valid session cookie. Session issuance is the
// job of the external auth layer; the agent only validates and expires them.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if _, err := s.store.GetSession(r.Context(), cookie.Value); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.writeError(w, http.StatusUnauthorized, "invalid or expired session")
				return
			}
			s.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		next.ServeHTTP(w, r)
	})
}
