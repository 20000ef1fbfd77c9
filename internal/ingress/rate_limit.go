package ingress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleAge = 5 * time.Minute

	// Each shard has its own mutex so concurrent control calls from distinct
	// API keys rarely contend.
	rateLimiterShards = 16
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateLimiter is a sharded per-key token bucket.
type rateLimiter struct {
	limit  rate.Limit
	burst  int
	now    func() time.Time
	shards [rateLimiterShards]rateLimiterShard
}

type rateLimiterShard struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newRateLimiter(perSecond float64, burst int) *rateLimiter {
	if perSecond <= 0 {
		perSecond = 5
	}
	if burst <= 0 {
		burst = 1
	}
	rl := &rateLimiter{limit: rate.Limit(perSecond), burst: burst, now: time.Now}
	for i := range rl.shards {
		rl.shards[i].entries = make(map[string]*limiterEntry)
	}
	return rl
}

func shardIndex(key string) int {
	const (
		fnvOffset32 = uint32(2166136261)
		fnvPrime32  = uint32(16777619)
	)
	h := fnvOffset32
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= fnvPrime32
	}
	return int(h % uint32(rateLimiterShards))
}

func (rl *rateLimiter) allow(key string) bool {
	s := &rl.shards[shardIndex(key)]
	now := rl.now()
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rl.limit, rl.burst)}
		s.entries[key] = e
	}
	e.lastSeen = now
	s.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// cleanup evicts limiters idle for longer than limiterIdleAge.
func (rl *rateLimiter) cleanup() {
	now := rl.now()
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if now.Sub(e.lastSeen) > limiterIdleAge {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

func (rl *rateLimiter) len() int {
	n := 0
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
