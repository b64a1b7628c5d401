// Package ratelimit throttles gateway operations per principal.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleTTL = 10 * time.Minute

// Limiter allows up to perMinute events per key, refilled continuously. A
// non-positive rate disables limiting.
type Limiter struct {
	mu        sync.Mutex
	perMinute int
	state     map[string]*keyState
	lastPrune time.Time
	nowFn     func() time.Time
}

type keyState struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func New(perMinute int) *Limiter {
	return &Limiter{
		perMinute: perMinute,
		state:     make(map[string]*keyState),
		nowFn:     time.Now,
	}
}

// Allow records one event for key and reports whether it fits the budget.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if now.Sub(l.lastPrune) > idleTTL {
		l.prune(now)
	}
	s, ok := l.state[key]
	if !ok {
		s = &keyState{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)}
		l.state[key] = s
	}
	s.lastSeen = now
	return s.lim.AllowN(now, 1)
}

// RetryAfter estimates how long key has to wait for its next event.
func (l *Limiter) RetryAfter(key string) time.Duration {
	if l == nil || l.perMinute <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.state[key]
	if !ok {
		return 0
	}
	now := l.nowFn()
	r := s.lim.ReserveN(now, 1)
	defer r.CancelAt(now)
	if !r.OK() {
		return time.Minute
	}
	return r.DelayFrom(now)
}

func (l *Limiter) prune(now time.Time) {
	for k, s := range l.state {
		if now.Sub(s.lastSeen) > idleTTL {
			delete(l.state, k)
		}
	}
	l.lastPrune = now
}

// Set groups the per-operation limiters the HTTP boundary applies.
type Set struct {
	Commands *Limiter
	Uploads  *Limiter
}

func NewSet(commandsPerMinute, uploadsPerMinute int) Set {
	return Set{Commands: New(commandsPerMinute), Uploads: New(uploadsPerMinute)}
}
