package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Provider identifies a payment provider.
type Provider string

const (
	ProviderECPay    Provider = "ecpay"
	ProviderNewebPay Provider = "newebpay"
	ProviderStripe   Provider = "stripe"
	ProviderPaddle   Provider = "paddle"
	ProviderManual   Provider = "manual"
)

func (p Provider) String() string { return string(p) }

func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProviderECPay, ProviderNewebPay, ProviderStripe, ProviderPaddle, ProviderManual:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// taipei is the wall clock used by the Taiwanese gateways. Taiwan has no DST.
var taipei = time.FixedZone("Asia/Taipei", 8*60*60)

type CreateParams struct {
	// OrderRef is the merchant order number sent to the provider and echoed
	// back in callbacks.
	OrderRef    string
	Amount      int64
	Currency    string
	Description string
	Email       string

	// ReturnURL is where the payer's browser lands after paying; BackURL is
	// the "return to shop" link shown on the provider page.
	ReturnURL string
	BackURL   string

	// CatalogPriceID is the provider-side price for catalog based providers.
	CatalogPriceID string
}

// CreateResult is either a redirect (PaymentURL with optional FormData to
// POST) or a decline carrying ErrorMessage.
type CreateResult struct {
	Success       bool
	PaymentURL    string
	FormData      map[string]string
	TransactionID string
	Raw           json.RawMessage
	ErrorMessage  string
}

func declined(msg string) CreateResult {
	return CreateResult{Success: false, ErrorMessage: msg}
}

// Callback is the untouched inbound request from a provider.
type Callback struct {
	Body   []byte
	Header http.Header
	Form   url.Values
}

// form returns the callback's form values, parsing the body when the
// transport layer did not.
func (c Callback) form() (url.Values, error) {
	if len(c.Form) > 0 {
		return c.Form, nil
	}
	v, err := url.ParseQuery(string(c.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	return v, nil
}

// VerifyResult is the normalized outcome of a verified callback or query.
//
// Ignored marks authentic messages that carry no final payment outcome
// (unrelated webhook events, still-pending transactions).
type VerifyResult struct {
	Success       bool
	Ignored       bool
	OrderRef      string
	TransactionID string
	Amount        int64
	PaidAt        time.Time
	ErrorMessage  string
	Raw           json.RawMessage
}

// Ack is the HTTP response a provider expects for a delivered callback.
type Ack struct {
	Status      int
	ContentType string
	Body        []byte
}

func jsonAck(ok bool) Ack {
	body, _ := json.Marshal(map[string]bool{"received": ok})
	return Ack{Status: http.StatusOK, ContentType: "application/json", Body: body}
}

// Gateway is implemented by every provider.
type Gateway interface {
	Provider() Provider
	CreatePayment(ctx context.Context, p CreateParams) (CreateResult, error)
	VerifyCallback(ctx context.Context, cb Callback) (VerifyResult, error)
	// Ack builds the acknowledgment for a callback that passed (or failed)
	// internal processing.
	Ack(processed bool) Ack
}

type QueryParams struct {
	OrderRef      string
	TransactionID string
	Amount        int64
}

type Querier interface {
	QueryTransaction(ctx context.Context, q QueryParams) (VerifyResult, error)
}

type RefundParams struct {
	OrderRef      string
	TransactionID string
	Amount        int64
	Reason        string
}

type RefundResult struct {
	Success      bool
	RefundID     string
	ErrorMessage string
	Raw          json.RawMessage
}

type Refunder interface {
	Refund(ctx context.Context, r RefundParams) (RefundResult, error)
}

// Query calls g's QueryTransaction when supported.
func Query(ctx context.Context, g Gateway, q QueryParams) (VerifyResult, error) {
	if qr, ok := g.(Querier); ok {
		return qr.QueryTransaction(ctx, q)
	}
	return VerifyResult{}, ErrQueryUnsupported
}

// Refund calls g's Refund when supported.
func Refund(ctx context.Context, g Gateway, r RefundParams) (RefundResult, error) {
	if rf, ok := g.(Refunder); ok {
		return rf.Refund(ctx, r)
	}
	return RefundResult{}, ErrRefundUnsupported
}

func rawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// valuesMap flattens form values to their first element.
func valuesMap(v url.Values) map[string]string {
	out := make(map[string]string, len(v))
	for k := range v {
		out[k] = v.Get(k)
	}
	return out
}
