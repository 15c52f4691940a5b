package webhook

import "errors"

var (
	ErrMissingSecret     = errors.New("webhook: signing secret is required")
	ErrEmptyPayload      = errors.New("webhook: payload cannot be empty")
	ErrMissingHeaders    = errors.New("webhook: missing signature headers")
	ErrSignatureMismatch = errors.New("webhook: signature mismatch")
	ErrSignatureExpired  = errors.New("webhook: signature timestamp outside tolerance")
)
