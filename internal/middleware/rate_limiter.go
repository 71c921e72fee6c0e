package middleware

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// rateWindow is the length of one counting window. Limits are
	// quoted per minute, so the window is a minute.
	rateWindow = time.Minute

	// gcEvery is how often stale windows are swept out.
	gcEvery = 5 * time.Minute
)

// RateLimitConfig sets the per-payer throughput caps.
type RateLimitConfig struct {
	// MaxCallsPerMinute is the soft cap. Crossing it rejects requests
	// for the rest of the window.
	MaxCallsPerMinute int

	// BurstSize is the hard cap a short spike may reach before the
	// window resets. Defaults to twice the soft cap.
	BurstSize int
}

// payerWindow counts one payer's requests inside the current window.
type payerWindow struct {
	hits     int
	openedAt time.Time
}

// RateLimiter caps request throughput per payer on the paid endpoints.
// A payment that verifies still counts against the cap, so one wallet
// cannot monopolize the model backend by paying fast enough.
//
// Counting is a fixed window per payer. Windows for idle payers are
// swept by a background goroutine.
type RateLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu      sync.RWMutex
	windows map[string]*payerWindow

	rejected uint64
}

// NewRateLimiter builds a limiter and starts its sweep goroutine.
// Zero config fields get defaults of 60 calls per minute and twice
// that burst.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.MaxCallsPerMinute <= 0 {
		cfg.MaxCallsPerMinute = 60
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = cfg.MaxCallsPerMinute * 2
	}

	rl := &RateLimiter{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*payerWindow),
	}
	go rl.sweep()
	return rl
}

// Allow records one request for the key and reports whether it is
// within limits. The key is a payer address, or a client host for
// requests that carry no payment.
//
// The hot path takes only the read lock: incrementing hits on an
// existing window races benignly, which is fine for a soft cap. The
// write lock is taken only to open or reset a window.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.RLock()
	if w, ok := rl.windows[key]; ok && now.Sub(w.openedAt) <= rateWindow {
		w.hits++
		hits := w.hits
		rl.mu.RUnlock()
		return rl.admit(hits)
	}
	rl.mu.RUnlock()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Another request may have opened the window while we waited.
	if w, ok := rl.windows[key]; ok && now.Sub(w.openedAt) <= rateWindow {
		w.hits++
		return rl.admit(w.hits)
	}
	rl.windows[key] = &payerWindow{hits: 1, openedAt: now}
	return true
}

// admit applies both caps to a hit count.
func (rl *RateLimiter) admit(hits int) bool {
	if hits > rl.cfg.BurstSize || hits > rl.cfg.MaxCallsPerMinute {
		atomic.AddUint64(&rl.rejected, 1)
		return false
	}
	return true
}

// Middleware enforces the limit on every request. It keys on the payer
// address PayerMiddleware put in the context, falling back to the
// client host so unpaid discovery endpoints are capped too.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(limitKey(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limitKey(r *http.Request) string {
	if payer, err := PayerFromContext(r.Context()); err == nil {
		return payer
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// sweep drops windows that have been idle past expiry so the map does
// not grow with every payer ever seen.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(gcEvery)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := rl.now().Add(-2 * rateWindow)
		rl.mu.Lock()
		for key, w := range rl.windows {
			if w.openedAt.Before(cutoff) {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Stats reports limiter state for diagnostics.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	return map[string]interface{}{
		"active_windows":    len(rl.windows),
		"max_calls_per_min": rl.cfg.MaxCallsPerMinute,
		"burst_size":        rl.cfg.BurstSize,
		"rejected_total":    atomic.LoadUint64(&rl.rejected),
	}
}
