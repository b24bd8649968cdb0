package devserver

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/taxigrid/internal/observability"
)

type ctxKey int

const (
	requestLoggerKey ctxKey = iota
	userIDKey
)

const maxRequestIDLen = 64

func (s *Server) registerMiddleware() {
	s.router.Use(s.scopeRequest)
	s.router.Use(s.accessLog)
	s.router.Use(s.trapPanics)
}

// scopeRequest tags the request with an id, echoed back to the client, and
// a logger carrying it. Client ids that are empty or too long are replaced.
func (s *Server) scopeRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-ID")
		if rid == "" || len(rid) > maxRequestIDLen {
			rid = newID()
		}
		w.Header().Set("X-Request-ID", rid)
		lg := s.logger.With("request_id", rid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestLoggerKey, lg)))
	})
}

// trapPanics turns a handler panic into the API's 500 detail body.
func (s *Server) trapPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log(r).Error("handler panicked", "route", routeTemplate(r), "panic", rec, "stack", string(debug.Stack()))
				writeDetail(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// accessLog records request metrics by route template. Server errors are
// logged at warn, the rest at debug so polling clients do not flood the log.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		route := routeTemplate(r)
		code := strconv.Itoa(sw.status)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, code).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, code).Observe(elapsed.Seconds())

		level := slog.LevelDebug
		if sw.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.log(r).Log(r.Context(), level, "request served",
			"method", r.Method, "route", route, "status", sw.status,
			"took", elapsed, "user_id", sw.userID, "peer", peer(r))
	})
}

// authMiddleware resolves the bearer token into the caller's user id.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearer(r.Header.Get("Authorization"))
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		uid, err := s.auth.Verify(token)
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, "could not validate credentials")
			return
		}
		if sw, ok := w.(*statusWriter); ok {
			sw.userID = uid
		}
		ctx := context.WithValue(r.Context(), userIDKey, uid)
		ctx = context.WithValue(ctx, requestLoggerKey, s.log(r).With("user_id", uid))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// log returns the request-scoped logger, or the server logger outside a
// request.
func (s *Server) log(r *http.Request) *slog.Logger {
	if lg, ok := r.Context().Value(requestLoggerKey).(*slog.Logger); ok {
		return lg
	}
	return s.logger
}

// statusWriter remembers the status and caller for the access log. It
// forwards Hijack so the websocket upgrade works behind the chain.
type statusWriter struct {
	http.ResponseWriter
	status int
	userID string
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot hijack")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func userIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// peer is the direct remote host. The devserver is not run behind a proxy,
// so forwarding headers are not trusted.
func peer(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
