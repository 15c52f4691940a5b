package ratelimiter

import "errors"

var (
	ErrInvalidConfig = errors.New("ratelimiter: invalid configuration")
	// ErrLimited is passed to the deny handler when a bucket is empty.
	ErrLimited          = errors.New("ratelimiter: rate limit exceeded")
	ErrStoreUnavailable = errors.New("ratelimiter: store unavailable")
)
