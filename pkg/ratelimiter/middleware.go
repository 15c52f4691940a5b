package ratelimiter

import (
	"math"
	"net/http"
	"strconv"
)

// KeyFunc names the bucket a request draws from. An empty key skips the
// limiter.
type KeyFunc func(r *http.Request) string

// DenyFunc writes the rejection. err is ErrLimited or a store error.
type DenyFunc func(w http.ResponseWriter, r *http.Request, err error)

// Middleware takes one token per request and sets the X-RateLimit headers.
func Middleware(b *Bucket, key KeyFunc, deny DenyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if k == "" {
				next.ServeHTTP(w, r)
				return
			}

			res, err := b.Allow(r.Context(), k)
			if err != nil {
				deny(w, r, err)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(max(0, res.Remaining)))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed() {
				secs := int(math.Ceil(res.RetryAfter(b.now()).Seconds()))
				h.Set("Retry-After", strconv.Itoa(max(1, secs)))
				deny(w, r, ErrLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
