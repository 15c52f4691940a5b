// Package redis connects to Redis with go-redis/v9 and exposes a readiness
// probe. The billing service uses it for webhook receipt de-duplication, the
// cluster-wide sweep lock and the shared rate limit buckets.
package redis
