package scheduler

import "errors"

var (
	ErrDuplicateJob = errors.New("scheduler: job already registered")
	ErrInvalidJob   = errors.New("scheduler: job name, schedule and func are required")
	ErrUnknownJob   = errors.New("scheduler: unknown job")
	ErrJobPanicked  = errors.New("scheduler: job panicked")
	ErrLockHeld     = errors.New("scheduler: job lock held by another instance")
)
