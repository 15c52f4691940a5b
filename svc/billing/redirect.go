package billing

import (
	"net/url"
	"strings"
)

const defaultReturnPath = "/billing/return"

// RedirectSanitizer keeps caller supplied return URLs on trusted origins.
type RedirectSanitizer struct {
	allowed  map[string]struct{}
	fallback string
}

// NewRedirectSanitizer trusts defaultOrigin plus every entry of allowed.
// Untrusted URLs are replaced by defaultOrigin + "/billing/return".
func NewRedirectSanitizer(defaultOrigin string, allowed ...string) *RedirectSanitizer {
	s := &RedirectSanitizer{allowed: make(map[string]struct{}, len(allowed)+1)}
	for _, o := range append([]string{defaultOrigin}, allowed...) {
		if origin, ok := originOf(o); ok {
			s.allowed[origin] = struct{}{}
		}
	}
	if origin, ok := originOf(defaultOrigin); ok {
		s.fallback = origin + defaultReturnPath
	}
	return s
}

// Sanitize returns raw when it points at an allowed origin and the fallback
// otherwise. An empty raw also yields the fallback.
func (s *RedirectSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return s.fallback
	}
	if origin, ok := originOf(raw); ok {
		if _, trusted := s.allowed[origin]; trusted {
			return raw
		}
	}
	return s.fallback
}

// originOf normalizes an absolute http(s) URL to scheme://host[:port].
func originOf(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || u.User != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return scheme + "://" + strings.ToLower(u.Host), true
}
