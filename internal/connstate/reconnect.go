package connstate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

const DefaultBaseDelay = time.Second

// ErrUnauthorized is returned by an AttemptFunc when the peer rejected the
// credentials. It ends the retry loop in Unauthorized.
var ErrUnauthorized = errors.New("unauthorized")

// AttemptFunc performs one reconnect attempt. A nil error means the
// transport is back and authorized.
type AttemptFunc func(ctx context.Context, attempt int) error

// Reconnector drives a Machine in Reconnecting through bounded retries with
// exponential backoff. A pending retry is preempted by Cancel, which every
// explicit connect or disconnect must call first.
type Reconnector struct {
	m    *Machine
	base time.Duration
	max  time.Duration

	// OnExhausted is called, outside any lock, when the budget runs out.
	OnExhausted func()

	mu     sync.Mutex
	gen    uint64
	cancel context.CancelFunc
}

func NewReconnector(m *Machine, base time.Duration) *Reconnector {
	r := &Reconnector{m: m, base: base}
	if r.base <= 0 {
		r.base = DefaultBaseDelay
	}
	r.max = r.base << 10
	return r
}

func (r *Reconnector) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = r.max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delays returns the first n waits the Reconnector would use.
func (r *Reconnector) Delays(n int) []time.Duration {
	b := r.newBackoff()
	d := make([]time.Duration, n)
	for i := range d {
		d[i] = b.NextBackOff()
	}
	return d
}

// Start begins a retry loop, replacing any loop already running.
func (r *Reconnector) Start(attempt AttemptFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.gen++
	gen := r.gen
	r.cancel = cancel
	r.mu.Unlock()
	go r.run(ctx, gen, attempt)
}

// Cancel stops the running loop. After Cancel returns the loop can no
// longer fire events on the Machine.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()
}

// Pending reports whether a retry loop is running.
func (r *Reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancel != nil
}

// apply runs f only while the loop identified by ctx is still current.
func (r *Reconnector) apply(ctx context.Context, gen uint64, f func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil || r.gen != gen {
		return false
	}
	f()
	return true
}

func (r *Reconnector) finish(gen uint64) {
	if r.gen == gen && r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *Reconnector) run(ctx context.Context, gen uint64, attempt AttemptFunc) {
	b := r.newBackoff()
	for n := 1; ; n++ {
		t := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		err := attempt(ctx, n)
		var exhausted, done bool
		ok := r.apply(ctx, gen, func() {
			switch {
			case err == nil:
				_, _ = r.m.Fire(EventEstablished)
				done = true
			case errors.Is(err, ErrUnauthorized):
				_, _ = r.m.Fire(EventAuthRejected)
				done = true
			default:
				_, ferr := r.m.RetryFailed()
				if errors.Is(ferr, ErrRetryBudgetExhausted) {
					exhausted = true
					done = true
				} else if ferr != nil {
					done = true
				}
			}
			if done {
				r.finish(gen)
			}
		})
		if !ok {
			return
		}
		if exhausted && r.OnExhausted != nil {
			r.OnExhausted()
		}
		if done {
			return
		}
	}
}
