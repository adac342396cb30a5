package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweep removes sessions idle past their timeout. Candidates are collected
// under the read lock; removal (and every socket close it triggers) runs unlocked.
func (s *Store) Sweep(now time.Time) []string {
	s.mu.RLock()
	var expired []string
	for id, rec := range s.sessions {
		rec.mu.Lock()
		timeout := s.opts.Timeout
		if rec.lazy {
			timeout = s.opts.LazyTimeout
		}
		idle := now.Sub(rec.lastActivity)
		removing := rec.removing
		rec.mu.Unlock()

		if !removing && idle > timeout {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	removed := expired[:0]
	for _, id := range expired {
		if s.Remove(id, ReasonTimeout) {
			removed = append(removed, id)
		}
	}
	return removed
}

// RunSweeper sweeps on every tick until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Sweep(s.opts.Now().UTC()); len(removed) > 0 {
				s.log.Info("swept idle sessions", zap.Int("count", len(removed)), zap.Strings("sessions", removed))
			}
		}
	}
}

// Shutdown removes every session, ending open calls.
func (s *Store) Shutdown() {
	for _, id := range s.IDs() {
		s.Remove(id, ReasonShutdown)
	}
}
