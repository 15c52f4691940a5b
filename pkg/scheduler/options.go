package scheduler

import (
	"log/slog"
	"time"
)

type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithCheckInterval sets how often due jobs are looked for. Default 30s.
func WithCheckInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithLocker enables cross-instance mutual exclusion per job run.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(s *Scheduler) {
		s.locker = l
		s.lockTTL = ttl
	}
}

// WithResultHook is called after every run attempt, including skipped ones
// (err == ErrLockHeld).
func WithResultHook(h func(job string, err error, took time.Duration)) Option {
	return func(s *Scheduler) { s.hook = h }
}
