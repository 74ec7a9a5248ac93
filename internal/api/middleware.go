package api

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"
)

// requestLogger logs one line per request.
func requestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

const clientIdleTimeout = 10 * time.Minute

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// rateLimiter is a token bucket per client address.
type rateLimiter struct {
	qps   rate.Limit
	burst int

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiter(qps float64, burst int) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		qps:     rate.Limit(qps),
		burst:   burst,
		clients: map[string]*clientLimiter{},
		now:     time.Now,
	}
}

func (rl *rateLimiter) allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > clientIdleTimeout {
		for addr, c := range rl.clients {
			if now.Sub(c.lastAccess) > clientIdleTimeout {
				delete(rl.clients, addr)
			}
		}
		rl.lastSweep = now
	}

	c, ok := rl.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.qps, rl.burst)}
		rl.clients[client] = c
	}
	c.lastAccess = now
	return c.limiter.AllowN(now, 1)
}

func (rl *rateLimiter) middleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := clientAddr(r)
			if !rl.allow(client) {
				logger.Warn("rate limit exceeded", "client", client, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientAddr is the request's remote host. RealIP has already applied
// X-Forwarded-For and X-Real-IP.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
