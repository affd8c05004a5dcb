package server

import (
	"bufio"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/claudelens/claudelens/internal/ratelimit"
	"github.com/claudelens/claudelens/internal/tenant"
	"github.com/claudelens/claudelens/internal/types"
)

// apiFunc is an authenticated handler returning a boundary error that the
// wrapper maps to a status code.
type apiFunc func(w http.ResponseWriter, r *http.Request, p types.Principal) error

// handle builds the standard chain for one endpoint: resolve the
// principal, enforce the axis limit, run the handler, account traffic.
func (s *Server) handle(axis types.LimitAxis, fn apiFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		p := s.resolver.Resolve(r.Context(), credentialsFrom(r))
		r = r.WithContext(tenant.WithPrincipal(r.Context(), p))

		cw := &countingWriter{ResponseWriter: w, status: http.StatusOK}

		decision, err := s.limits.Check(r.Context(), p, axis)
		if err == nil {
			setRateHeaders(cw, decision)
		}
		if err == nil && !decision.Allowed {
			writeError(cw, ratelimit.Deny(axis, decision))
		} else if herr := fn(cw, r, p); herr != nil {
			writeError(cw, herr)
		}

		latency := time.Since(start)
		s.limits.RecordTraffic(p.UserID, axis, latency, r.ContentLength, cw.written)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("user_id", p.UserID),
			zap.Int("status", cw.status),
			zap.Duration("latency", latency))
	})
}

func credentialsFrom(r *http.Request) tenant.Credentials {
	c := tenant.Credentials{
		APIKey:     r.Header.Get("X-API-Key"),
		RemoteAddr: r.RemoteAddr,
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		c.Bearer = strings.TrimPrefix(auth, "Bearer ")
	}
	return c
}

func setRateHeaders(w http.ResponseWriter, d types.Decision) {
	if d.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(int(d.ResetAfter.Seconds()+0.999)))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(int(d.ResetAfter.Seconds()+0.999)))
	}
}

// withRecovery turns handler panics into 500s instead of dropped
// connections.
func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// countingWriter tracks status and bytes for accounting.
type countingWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (c *countingWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.ResponseWriter.Write(b)
	c.written += int64(n)
	return n, err
}

// Hijack passes through so the websocket upgrade works behind the
// counting wrapper.
func (c *countingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := c.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}
