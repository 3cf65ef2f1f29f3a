package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultWindow      = 60 * time.Second
	DefaultMaxRequests = 60
)

type Config struct {
	Window      time.Duration
	MaxRequests int
}

type Stats struct {
	TrackedIdentities int `json:"tracked_identities"`
}

type Option func(*Limiter)

// WithClock replaces time.Now, tests use it to step time.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// window is the request history of one identity. dead is set by the sweeper
// once the window has been unlinked from the map; a caller holding a dead
// window must look it up again.
type window struct {
	mu   sync.Mutex
	ts   []time.Time
	dead bool
}

// purge drops timestamps older than cutoff. Caller holds w.mu.
func (w *window) purge(cutoff time.Time) {
	i := 0
	for i < len(w.ts) && w.ts[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(w.ts, w.ts[i:])
		w.ts = w.ts[:n]
	}
}

// Limiter is a per-identity sliding window admission check. Calls for
// different identities only contend on the map lookup.
type Limiter struct {
	mu     sync.Mutex
	list   map[string]*window
	window time.Duration
	max    int
	now    func() time.Time
}

func New(config Config, opts ...Option) *Limiter {
	l := &Limiter{}
	l.list = make(map[string]*window)
	l.window = config.Window
	if l.window <= 0 {
		l.window = DefaultWindow
	}
	l.max = config.MaxRequests
	if l.max <= 0 {
		l.max = DefaultMaxRequests
	}
	l.now = time.Now
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Limiter) get(identity string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.list[identity]
	if !ok {
		w = &window{ts: make([]time.Time, 0, 4)}
		l.list[identity] = w
	}
	return w
}

// CheckLimit records a request for identity and reports whether it is
// admitted. Rejected requests are not recorded.
func (l *Limiter) CheckLimit(identity string) bool {
	for {
		w := l.get(identity)
		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		now := l.now()
		w.purge(now.Add(-l.window))
		if len(w.ts) >= l.max {
			w.mu.Unlock()
			return false
		}
		w.ts = append(w.ts, now)
		w.mu.Unlock()
		return true
	}
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{TrackedIdentities: len(l.list)}
}

// Sweep runs one eviction pass. It works on a snapshot of the identities so
// the map lock is only held for the copy and for each removal.
func (l *Limiter) Sweep() (evicted int) {
	l.mu.Lock()
	snap := make(map[string]*window, len(l.list))
	for k, w := range l.list {
		snap[k] = w
	}
	l.mu.Unlock()

	for k, w := range snap {
		w.mu.Lock()
		w.purge(l.now().Add(-l.window))
		if len(w.ts) == 0 {
			l.mu.Lock()
			if l.list[k] == w {
				delete(l.list, k)
				w.dead = true
				evicted++
			}
			l.mu.Unlock()
		}
		w.mu.Unlock()
	}
	return evicted
}
