package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/butlerhq/butler-registry/pkg/metrics"
	"github.com/butlerhq/butler-registry/pkg/ratelimit"
	"github.com/butlerhq/butler-registry/pkg/store"
	"github.com/butlerhq/butler-registry/pkg/token"
)

type ctxKey int

const (
	ctxActor ctxKey = iota
	ctxTokenID
)

// Actor returns the authenticated actor of a registry request.
func Actor(ctx context.Context) string {
	if v, ok := ctx.Value(ctxActor).(string); ok {
		return v
	}
	return ""
}

func tokenID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxTokenID).(string); ok {
		return v
	}
	return ""
}

// statusRecorder captures the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withRequestID assigns X-Request-ID when the caller did not send one.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// withLogging emits one access-log line per request.
func withLogging(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", w.Header().Get("X-Request-ID"))
	})
}

// withTracing opens one span per request. With no provider installed this
// is a noop.
func withTracing(next http.Handler) http.Handler {
	tracer := otel.Tracer("butler-registry/api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.Int("http.status_code", rec.status),
		)
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

// withRecovery turns handler panics into 500s instead of dropped
// connections.
func withRecovery(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("handler panic", "path", r.URL.Path, "panic", rec)
				WriteInternal(w)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireRegistryToken authenticates breg_ bearer tokens. Callback tokens
// are rejected by prefix before any hash lookup.
func (s *Server) requireRegistryToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := token.ExtractBearer(r.Header.Get("Authorization"))
		if tok == "" {
			WriteUnauthorized(w, "")
			return
		}
		if token.IsCallback(tok) {
			WriteUnauthorized(w, "callback tokens are not valid here")
			return
		}
		at, err := s.db.GetAPITokenByHash(r.Context(), token.Hash(tok))
		if err != nil {
			WriteUnauthorized(w, "unknown token")
			return
		}
		if err := s.db.TouchAPIToken(r.Context(), at.ID); err != nil {
			s.log.Warn("touch api token", "error", err)
		}

		ctx := context.WithValue(r.Context(), ctxActor, at.Actor)
		ctx = context.WithValue(ctx, ctxTokenID, at.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

// limitByToken throttles per token id. Runs after authentication.
func (s *Server) limitByToken(next http.HandlerFunc) http.HandlerFunc {
	return s.limit(s.tokenLimiter, "token", func(r *http.Request) string {
		return tokenID(r.Context())
	}, next)
}

// limitByIP throttles per source address, for the unauthenticated webhook
// surface.
func (s *Server) limitByIP(next http.HandlerFunc) http.HandlerFunc {
	return s.limit(s.ipLimiter, "ip", remoteIP, next)
}

func (s *Server) limit(l ratelimit.Limiter, scope string, key func(*http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	if l == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := l.Allow(r.Context(), key(r))
		if err != nil {
			// A broken limiter store must not take the API down.
			s.log.Error("rate limiter", "scope", scope, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !d.Allowed {
			metrics.RecordRateLimited(scope)
			WriteTooManyRequests(w, int(d.RetryAfter/time.Second))
			return
		}
		next.ServeHTTP(w, r)
	}
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := len(fwd); i > 0 {
			for j := 0; j < i; j++ {
				if fwd[j] == ',' {
					return fwd[:j]
				}
			}
			return fwd
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// authenticateCallback resolves the run a brce_ bearer token is keyed to.
// Registry tokens are rejected by prefix before any hash comparison.
func (s *Server) authenticateCallback(r *http.Request, runID string) (*store.ModuleRun, bool) {
	tok := token.ExtractBearer(r.Header.Get("Authorization"))
	if tok == "" || token.IsRegistry(tok) {
		return nil, false
	}
	mr, err := s.db.GetRunWithTokenHash(r.Context(), runID)
	if err != nil {
		return nil, false
	}
	// Terminal runs hold no token hash anymore. Let them through so the
	// handlers can answer their idempotent 200 and the executor stops
	// retrying; every handler refuses to mutate a terminal run.
	if mr.Status.IsTerminal() {
		return mr, true
	}
	if mr.CallbackTokenHash == nil || !token.Verify(tok, *mr.CallbackTokenHash) {
		return nil, false
	}
	return mr, true
}
