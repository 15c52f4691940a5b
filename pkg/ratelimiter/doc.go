// Package ratelimiter throttles callers with token buckets.
//
// A Bucket pairs a Config with a Store. MemoryStore keeps state in process;
// RedisStore shares it between instances through a Lua script, so the
// refill and take happen atomically on the server.
//
//	b, err := ratelimiter.NewBucket(ratelimiter.NewRedisStore(client), cfg,
//		ratelimiter.WithPrefix("billing:ratelimit:"))
//	r.With(ratelimiter.Middleware(b, ownerKey, deny)).Post("/payments/create", h)
//
// Denied requests do not consume tokens.
package ratelimiter
