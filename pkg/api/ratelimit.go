package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/knoboor/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

const (
	limiterPruneInterval = 5 * time.Minute
	limiterIdleTTL       = 10 * time.Minute
)

var rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "knoboor_api_rate_limited_total",
	Help: "Requests rejected by the per-client rate limiter.",
}, []string{"tier"})

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters holds one token bucket per client address for a tier.
// The burst equals the per-minute limit.
type clientLimiters struct {
	tier  string
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

func newClientLimiters(tier string, requestsPerMinute int) *clientLimiters {
	return &clientLimiters{
		tier:    tier,
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   requestsPerMinute,
		clients: make(map[string]*clientLimiter, 64),
	}
}

// allow consumes a token for client. When none is available it returns
// how long the client should wait.
func (c *clientLimiters) allow(client string, now time.Time) (bool, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.clients[client]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[client] = entry
	}

	entry.lastSeen = now

	res := entry.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}

	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)

		return false, delay
	}

	return true, 0
}

// prune drops clients idle for longer than ttl and returns how many
// remain.
func (c *clientLimiters) prune(now time.Time, ttl time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	for client, entry := range c.clients {
		if now.Sub(entry.lastSeen) > ttl {
			delete(c.clients, client)
		}
	}

	return len(c.clients)
}

// rateLimitMiddleware limits each client to the tier's request rate. A
// tier without a limit lets every request through.
func (s *server) rateLimitMiddleware(
	name string, tier config.RateLimitTier,
) func(http.Handler) http.Handler {
	if tier.RequestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	limiters := newClientLimiters(name, tier.RequestsPerMinute)

	s.limitersMu.Lock()
	s.limiters = append(s.limiters, limiters)
	s.limitersMu.Unlock()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := limiters.allow(clientAddr(r), time.Now())
			if !ok {
				rateLimited.WithLabelValues(name).Inc()

				secs := int(math.Ceil(wait.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				writeJSON(w, http.StatusTooManyRequests,
					errorResponse{"rate limit exceeded"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// pruneLimiters periodically forgets idle clients until ctx is done.
func (s *server) pruneLimiters(ctx context.Context) {
	ticker := time.NewTicker(limiterPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.limitersMu.Lock()
			tiers := append([]*clientLimiters(nil), s.limiters...)
			s.limitersMu.Unlock()

			for _, l := range tiers {
				remaining := l.prune(now, limiterIdleTTL)

				s.log.WithField("tier", l.tier).
					WithField("clients", remaining).
					Debug("Pruned rate limiters")
			}
		}
	}
}

// clientAddr identifies the client, preferring the first address of
// X-Forwarded-For.
func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")

		return strings.TrimSpace(first)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
