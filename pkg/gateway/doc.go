// Package gateway implements the payment providers the billing engine can
// charge through.
//
// Every provider satisfies Gateway: it creates a payment (a redirect form, a
// hosted checkout URL, or nothing for offline payments) and verifies the
// provider's asynchronous callback. Querying and refunding are optional
// capabilities reached through the Query and Refund helpers.
//
// Provider-specific payloads never leave this package: callbacks are decoded
// at the boundary into a VerifyResult.
//
// Errors follow one rule: a returned error means infrastructure trouble
// (network, timeout, undecodable response) or, for VerifyCallback, an
// authenticity failure. A provider that answered and declined is reported
// through Success=false and ErrorMessage.
package gateway
