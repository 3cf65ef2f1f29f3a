package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/phuslu/log"
)

const DefaultSweepPeriod = 5 * time.Minute

// Sweeper runs Limiter.Sweep on a fixed period until stopped.
type Sweeper struct {
	l      *Limiter
	period time.Duration
	log    log.Logger
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(l *Limiter, period time.Duration) *Sweeper {
	s := &Sweeper{l: l, period: period}
	if s.period <= 0 {
		s.period = DefaultSweepPeriod
	}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "ratelimit-sweeper").Value()
	return s
}

// Start launches the sweep loop. Calling Start on a running sweeper is a
// no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := s.l.Sweep()
			s.log.Debug().Int("evicted", n).Int("tracked", s.l.Stats().TrackedIdentities).Msg("sweep done")
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
