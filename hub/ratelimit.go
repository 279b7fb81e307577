package hub

import (
	"sync"

	"golang.org/x/time/rate"
)

// KeyedLimiter rate limits per key using a token bucket per key.
// Used to bound reconnect storms per credential.
type KeyedLimiter struct {
	mutex    sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewKeyedLimiter(perSecond float64, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		limiters: map[string]*rate.Limiter{},
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (self *KeyedLimiter) Allow(key string) bool {
	self.mutex.Lock()
	limiter, ok := self.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(self.limit, self.burst)
		self.limiters[key] = limiter
	}
	self.mutex.Unlock()
	return limiter.Allow()
}
