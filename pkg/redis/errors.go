package redis

import "errors"

var (
	ErrInvalidURL = errors.New("redis: invalid connection url")
	// ErrNotReady means no ping succeeded before the attempts or the
	// connect timeout ran out.
	ErrNotReady  = errors.New("redis: server not ready")
	ErrUnhealthy = errors.New("redis: ping failed")
)
