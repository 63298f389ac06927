package api

import (
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	rateLimitMaxRequests = 10
	rateLimitWindow      = 60 * time.Second

	// rateLimitClients bounds the client table; the LRU evicts idle
	// clients, which simply resets their window.
	rateLimitClients = 4096
)

// clientWindow holds the request timestamps of one client inside the current
// sliding window.
type clientWindow struct {
	mu    sync.Mutex
	times []time.Time
}

// rateLimiter is a per-client sliding-window rate limiter.
type rateLimiter struct {
	clients *lru.Cache[string, *clientWindow]
	max     int
	window  time.Duration
}

func newRateLimiter(maxRequests int, window time.Duration) *rateLimiter {
	clients, err := lru.New[string, *clientWindow](rateLimitClients)
	if err != nil {
		panic(err) // only fails on size <= 0
	}
	return &rateLimiter{
		clients: clients,
		max:     maxRequests,
		window:  window,
	}
}

// Allow records a request for the client and reports whether it is within
// the window. When the limit is hit it returns the seconds until the oldest
// request leaves the window.
func (rl *rateLimiter) Allow(client string) (bool, int) {
	cw, ok := rl.clients.Get(client)
	if !ok {
		cw = &clientWindow{}
		// On a concurrent insert race both callers record into the same
		// window: PeekOrAdd returns the previous winner.
		if prev, found, _ := rl.clients.PeekOrAdd(client, cw); found {
			cw = prev
		}
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)
	kept := cw.times[:0]
	for _, ts := range cw.times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	cw.times = kept

	if len(cw.times) >= rl.max {
		retryAfter := int(math.Ceil(rl.window.Seconds() - now.Sub(cw.times[0]).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}
	cw.times = append(cw.times, now)
	return true, 0
}
