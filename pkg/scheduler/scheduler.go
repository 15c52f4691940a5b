package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

type entry struct {
	name     string
	schedule Schedule
	job      Job
	next     time.Time
}

type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*entry
	log     *slog.Logger
	now     func() time.Time
	tick    time.Duration
	locker  Locker
	lockTTL time.Duration
	hook    func(string, error, time.Duration)
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		jobs: make(map[string]*entry),
		log:  slog.Default(),
		now:  time.Now,
		tick: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 10 * time.Minute
	}
	return s
}

// Add registers job under name.
func (s *Scheduler) Add(name string, schedule Schedule, job Job) error {
	if name == "" || schedule == nil || job == nil {
		return ErrInvalidJob
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	s.jobs[name] = &entry{name: name, schedule: schedule, job: job}
	return nil
}

// Jobs returns the registered job names in sorted order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Run blocks until ctx is done, executing jobs as they become due.
func (s *Scheduler) Run(ctx context.Context) error {
	start := s.now()
	s.mu.Lock()
	for _, e := range s.jobs {
		e.next = e.schedule.Next(start)
		s.log.InfoContext(ctx, "job scheduled",
			slog.String("job", e.name),
			slog.String("schedule", e.schedule.String()),
			slog.Time("next_run", e.next))
	}
	s.mu.Unlock()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, e := range s.due(s.now()) {
				_ = s.execute(ctx, e.name, e.job)
			}
		}
	}
}

// RunNow executes a registered job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, e.name, e.job)
}

// due advances and returns every job whose next run is not after now.
func (s *Scheduler) due(now time.Time) []entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entry
	for _, e := range s.jobs {
		if now.Before(e.next) {
			continue
		}
		out = append(out, *e)
		e.next = e.schedule.Next(now)
	}
	slices.SortFunc(out, func(a, b entry) int { return a.next.Compare(b.next) })
	return out
}

func (s *Scheduler) execute(ctx context.Context, name string, job Job) (err error) {
	started := s.now()
	log := s.log.With(slog.String("job", name))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
		took := s.now().Sub(started)
		switch {
		case errors.Is(err, ErrLockHeld):
			log.DebugContext(ctx, "job skipped, lock held elsewhere")
		case err != nil:
			log.ErrorContext(ctx, "job failed", slog.Any("error", err), slog.Duration("duration", took))
		default:
			log.InfoContext(ctx, "job finished", slog.Duration("duration", took))
		}
		if s.hook != nil {
			s.hook(name, err, took)
		}
	}()

	if s.locker != nil {
		release, acquired, lockErr := s.locker.Acquire(ctx, name, s.lockTTL)
		if lockErr != nil {
			return lockErr
		}
		if !acquired {
			return ErrLockHeld
		}
		defer release()
	}

	return job(ctx)
}
