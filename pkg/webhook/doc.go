// Package webhook signs and verifies JSON payloads exchanged with trusted
// internal callers (for example the back office confirming an offline
// payment). The signature is HMAC-SHA256 over "<unix timestamp>.<payload>"
// and travels in the X-Webhook-Signature, X-Webhook-Timestamp and
// X-Webhook-ID headers.
package webhook
