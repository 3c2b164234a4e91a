package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter gates accepted public connections, globally and per tunnel key.
// A zero rate disables the corresponding bucket.
type Limiter struct {
	mu      sync.Mutex
	global  *rate.Limiter
	perKey  map[string]*rate.Limiter
	keyRate rate.Limit
	burst   int
}

// New creates a limiter. globalPerSec and perKeyPerSec are tokens per second.
func New(globalPerSec, perKeyPerSec float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	l := &Limiter{
		perKey:  make(map[string]*rate.Limiter),
		keyRate: rate.Limit(perKeyPerSec),
		burst:   burst,
	}
	if globalPerSec > 0 {
		l.global = rate.NewLimiter(rate.Limit(globalPerSec), burst)
	}
	return l
}

// Allow reports whether one more connection for key may proceed and consumes a token if so.
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.keyRate <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.perKey[key]
	if !ok {
		b = rate.NewLimiter(l.keyRate, l.burst)
		l.perKey[key] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

// Forget drops the bucket for key, e.g. when its tunnel closes.
func (l *Limiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.perKey, key)
	l.mu.Unlock()
}

// Cleanup removes buckets for keys that are no longer active.
func (l *Limiter) Cleanup(active map[string]bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.perKey {
		if !active[key] {
			delete(l.perKey, key)
		}
	}
}

func (l *Limiter) keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perKey)
}
