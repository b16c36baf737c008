package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/research/internal/tracing"
)

type traceKey struct{}

// TraceID returns the request trace id set by Tracing, or "".
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// Tracing opens a server span per request and echoes the trace id in X-Trace-ID.
func Tracing(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := extractTraceID(r)
			if traceID == "" {
				traceID = strings.ReplaceAll(uuid.NewString(), "-", "")
			}
			ctx, span := tracing.StartSpan(r.Context(), "HTTP "+r.Method,
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("research.trace_id", traceID),
			)
			defer span.End()
			ctx = context.WithValue(ctx, traceKey{}, traceID)

			w.Header().Set("X-Trace-ID", traceID)
			logger.Debug("Request received",
				zap.String("trace_id", traceID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractTraceID(r *http.Request) string {
	if tp := r.Header.Get("traceparent"); tp != "" {
		if traceID, _, _, ok := tracing.ParseTraceparent(tp); ok {
			return traceID
		}
	}
	if id := r.Header.Get("X-Trace-ID"); id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// RateLimiter caps run submissions per client in fixed one-minute windows kept in Redis,
// so the limit holds across replicas. Reads are never limited.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
	limit  int
	now    func() time.Time
}

// NewRateLimiter allows limit submissions per client per minute.
func NewRateLimiter(cli *redis.Client, limit int, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{redis: cli, logger: logger, limit: limit, now: time.Now}
}

// Middleware limits POST and DELETE requests.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl == nil || rl.limit <= 0 || (r.Method != http.MethodPost && r.Method != http.MethodDelete) {
			next.ServeHTTP(w, r)
			return
		}
		client := clientKey(r)
		allowed, remaining, resetAt := rl.check(r.Context(), "research:ratelimit:"+client)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
		if !allowed {
			rl.logger.Warn("Submission rate limit exceeded", zap.String("client", client), zap.String("path", r.URL.Path))
			retry := int(resetAt.Sub(rl.now()).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) check(ctx context.Context, key string) (allowed bool, remaining int, resetAt time.Time) {
	window := rl.now().Truncate(time.Minute)
	resetAt = window.Add(time.Minute)
	windowKey := fmt.Sprintf("%s:%d", key, window.Unix())

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, time.Minute+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		// fail open
		rl.logger.Error("Rate limit check failed", zap.Error(err))
		return true, rl.limit, resetAt
	}
	count := int(incr.Val())
	remaining = rl.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return count <= rl.limit, remaining, resetAt
}

// bearer token when present, otherwise the remote host
func clientKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return "token:" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.TrimPrefix(auth, "Bearer "))).String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Chain applies middlewares so the first one is outermost.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
