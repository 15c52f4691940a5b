package gateway

import "errors"

var (
	// ErrMissingCredentials is a startup error: a provider is partially configured.
	ErrMissingCredentials = errors.New("gateway: missing provider credentials")
	ErrUnknownProvider    = errors.New("gateway: unknown provider")
	ErrProviderDisabled   = errors.New("gateway: provider is not enabled")

	// ErrInvalidSignature marks a callback whose authenticity check failed.
	ErrInvalidSignature  = errors.New("gateway: invalid callback signature")
	ErrMalformedCallback = errors.New("gateway: malformed callback")

	ErrQueryUnsupported  = errors.New("gateway: provider does not support transaction queries")
	ErrRefundUnsupported = errors.New("gateway: provider does not support refunds")
	ErrUnexpectedReply   = errors.New("gateway: unexpected provider response")
)
