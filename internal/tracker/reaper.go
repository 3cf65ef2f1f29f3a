package tracker

import (
	"context"
	"time"

	"nuha.dev/famtrack/internal/connstate"
)

// Reap disconnects sessions idle for longer than the idle timeout and removes
// those nobody watches. It returns the number of removed sessions.
func (r *Registry) Reap() int {
	now := r.now()
	r.mu.RLock()
	list := make([]*DeviceSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	n := 0
	for _, s := range list {
		s.mu.Lock()
		if s.removed || now.Sub(s.lastActivity) < r.cfg.IdleTimeout {
			s.mu.Unlock()
			continue
		}
		s.reconn.Cancel()
		s.stopTeardown()
		s.epoch++
		s.lostEpoch = 0
		if s.machine.Status() != connstate.Disconnected {
			_, _ = s.machine.Fire(connstate.EventDisconnect)
		}
		old := s.transport
		s.transport = nil
		s.gen++
		s.expired = true
		s.mu.Unlock()
		if old != nil {
			_ = old.Close()
		}
		if r.removeIfUnused(s) {
			n++
		}
	}
	return n
}

// StartReaper runs Reap every ReapPeriod until StopReaper is called.
func (r *Registry) StartReaper(ctx context.Context) {
	r.reapMu.Lock()
	defer r.reapMu.Unlock()
	if r.reapCancel != nil {
		return
	}
	ctx, r.reapCancel = context.WithCancel(ctx)
	r.reapDone = make(chan struct{})
	go r.reapLoop(ctx, r.reapDone)
}

func (r *Registry) reapLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.ReapPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := r.Reap()
			if n > 0 {
				r.log.Debug().Int("removed", n).Int("sessions", r.Len()).Msg("reap done")
			}
		}
	}
}

// StopReaper cancels the reaper and waits for it to exit.
func (r *Registry) StopReaper() {
	r.reapMu.Lock()
	cancel, done := r.reapCancel, r.reapDone
	r.reapCancel, r.reapDone = nil, nil
	r.reapMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
