package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/checkout/session"
	"github.com/stripe/stripe-go/v83/paymentintent"
	"github.com/stripe/stripe-go/v83/refund"
	"github.com/stripe/stripe-go/v83/webhook"
)

const stripeOrderRefKey = "order_ref"

type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	// SuccessURL and CancelURL are used when the caller gives no return URLs.
	SuccessURL string `env:"STRIPE_SUCCESS_URL"`
	CancelURL  string `env:"STRIPE_CANCEL_URL"`
	// WebhookTolerance bounds the accepted age of a signed webhook.
	WebhookTolerance time.Duration `env:"STRIPE_WEBHOOK_TOLERANCE" envDefault:"5m"`
}

func (c StripeConfig) enabled() bool {
	return c.SecretKey != "" || c.WebhookSecret != ""
}

func (c StripeConfig) validate() error {
	if c.SecretKey == "" || c.WebhookSecret == "" {
		return fmt.Errorf("%w: stripe requires secret key and webhook secret", ErrMissingCredentials)
	}
	return nil
}

// Stripe is the hosted checkout gateway driven by signed webhooks.
type Stripe struct {
	cfg StripeConfig
}

// NewStripe configures the package-level stripe client. client bounds every
// outbound API call.
func NewStripe(cfg StripeConfig, client *http.Client) (*Stripe, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	stripe.Key = cfg.SecretKey
	if client != nil {
		stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			HTTPClient: client,
		}))
	}
	return &Stripe{cfg: cfg}, nil
}

func (g *Stripe) Provider() Provider { return ProviderStripe }

func (g *Stripe) CreatePayment(ctx context.Context, p CreateParams) (CreateResult, error) {
	if p.Amount <= 0 {
		return declined("amount must be positive"), nil
	}
	successURL, cancelURL := firstNonEmpty(p.ReturnURL, g.cfg.SuccessURL), firstNonEmpty(p.BackURL, g.cfg.CancelURL, p.ReturnURL)
	if successURL == "" {
		return declined("stripe checkout requires a success url"), nil
	}
	name := firstNonEmpty(p.Description, "Subscription")

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(p.OrderRef),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(p.Currency)),
				UnitAmount: stripe.Int64(p.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(name),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{stripeOrderRefKey: p.OrderRef},
		},
	}
	if p.Email != "" {
		params.CustomerEmail = stripe.String(p.Email)
	}
	params.AddMetadata(stripeOrderRefKey, p.OrderRef)
	params.Context = ctx
	params.SetIdempotencyKey("checkout-" + p.OrderRef)

	s, err := session.New(params)
	if err != nil {
		if msg, ok := stripeDecline(err); ok {
			return declined(msg), nil
		}
		return CreateResult{}, err
	}
	return CreateResult{
		Success:       true,
		PaymentURL:    s.URL,
		TransactionID: s.ID,
		Raw:           rawJSON(map[string]any{"id": s.ID, "url": s.URL, "expires_at": s.ExpiresAt}),
	}, nil
}

// VerifyCallback validates the Stripe-Signature header over the raw body and
// maps checkout and payment intent events onto a VerifyResult.
func (g *Stripe) VerifyCallback(_ context.Context, cb Callback) (VerifyResult, error) {
	event, err := webhook.ConstructEventWithOptions(cb.Body, cb.Header.Get("Stripe-Signature"), g.cfg.WebhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                g.cfg.WebhookTolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Data == nil {
		return VerifyResult{}, fmt.Errorf("%w: event without data", ErrMalformedCallback)
	}
	paidAt := time.Unix(event.Created, 0)

	switch eventType := string(event.Type); eventType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var s stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return VerifyResult{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
		}
		res := sessionResult(&s)
		if s.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			res.Ignored = true
			res.ErrorMessage = "checkout completed, payment " + string(s.PaymentStatus)
			return res, nil
		}
		res.Success = true
		res.PaidAt = paidAt
		return res, nil

	case "checkout.session.async_payment_failed", "checkout.session.expired":
		var s stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return VerifyResult{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
		}
		res := sessionResult(&s)
		res.ErrorMessage = strings.TrimPrefix(eventType, "checkout.session.")
		return res, nil

	case "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return VerifyResult{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
		}
		res := VerifyResult{
			OrderRef:      pi.Metadata[stripeOrderRefKey],
			TransactionID: pi.ID,
			Amount:        pi.Amount,
			ErrorMessage:  "payment failed",
			Raw:           event.Data.Raw,
		}
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			res.ErrorMessage = pi.LastPaymentError.Msg
		}
		return res, nil

	default:
		return VerifyResult{Ignored: true, ErrorMessage: "unhandled stripe event " + eventType, Raw: event.Data.Raw}, nil
	}
}

// QueryTransaction accepts a checkout session id (cs_) or payment intent id (pi_).
func (g *Stripe) QueryTransaction(ctx context.Context, q QueryParams) (VerifyResult, error) {
	switch {
	case strings.HasPrefix(q.TransactionID, "cs_"):
		params := &stripe.CheckoutSessionParams{}
		params.Context = ctx
		s, err := session.Get(q.TransactionID, params)
		if err != nil {
			return VerifyResult{}, err
		}
		res := sessionResult(s)
		switch {
		case s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
			res.Success = true
			res.PaidAt = time.Now()
		case s.Status == stripe.CheckoutSessionStatusExpired:
			res.ErrorMessage = "checkout session expired"
		default:
			res.Ignored = true
			res.ErrorMessage = "payment not completed yet"
		}
		return res, nil

	case strings.HasPrefix(q.TransactionID, "pi_"):
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		pi, err := paymentintent.Get(q.TransactionID, params)
		if err != nil {
			return VerifyResult{}, err
		}
		res := VerifyResult{
			OrderRef:      firstNonEmpty(pi.Metadata[stripeOrderRefKey], q.OrderRef),
			TransactionID: pi.ID,
			Amount:        pi.Amount,
			Raw:           rawJSON(map[string]any{"id": pi.ID, "status": pi.Status}),
		}
		switch pi.Status {
		case stripe.PaymentIntentStatusSucceeded:
			res.Success = true
			res.PaidAt = time.Now()
		case stripe.PaymentIntentStatusCanceled:
			res.ErrorMessage = "payment intent canceled"
		default:
			res.Ignored = true
			res.ErrorMessage = "payment intent " + string(pi.Status)
		}
		return res, nil
	}
	return VerifyResult{}, fmt.Errorf("%w: unrecognized stripe id %q", ErrMalformedCallback, q.TransactionID)
}

// Refund refunds a payment intent; Amount 0 means the full amount.
func (g *Stripe) Refund(ctx context.Context, r RefundParams) (RefundResult, error) {
	if !strings.HasPrefix(r.TransactionID, "pi_") {
		return RefundResult{ErrorMessage: "refund requires a payment intent id"}, nil
	}
	params := &stripe.RefundParams{PaymentIntent: stripe.String(r.TransactionID)}
	if r.Amount > 0 {
		params.Amount = stripe.Int64(r.Amount)
	}
	params.AddMetadata(stripeOrderRefKey, r.OrderRef)
	params.Context = ctx

	rf, err := refund.New(params)
	if err != nil {
		if msg, ok := stripeDecline(err); ok {
			return RefundResult{ErrorMessage: msg}, nil
		}
		return RefundResult{}, err
	}
	raw := rawJSON(map[string]any{"id": rf.ID, "status": rf.Status})
	if rf.Status == stripe.RefundStatusFailed || rf.Status == stripe.RefundStatusCanceled {
		return RefundResult{RefundID: rf.ID, ErrorMessage: "refund " + string(rf.Status), Raw: raw}, nil
	}
	return RefundResult{Success: true, RefundID: rf.ID, Raw: raw}, nil
}

func (g *Stripe) Ack(processed bool) Ack { return jsonAck(processed) }

func sessionResult(s *stripe.CheckoutSession) VerifyResult {
	res := VerifyResult{
		OrderRef:      firstNonEmpty(s.ClientReferenceID, s.Metadata[stripeOrderRefKey]),
		TransactionID: s.ID,
		Amount:        s.AmountTotal,
		Raw:           rawJSON(map[string]any{"id": s.ID, "payment_status": s.PaymentStatus, "status": s.Status}),
	}
	// Refunds need the payment intent, so prefer it once Stripe created one.
	if s.PaymentIntent != nil && s.PaymentIntent.ID != "" {
		res.TransactionID = s.PaymentIntent.ID
	}
	return res
}

// stripeDecline reports API errors that are the provider declining the
// request rather than an outage.
func stripeDecline(err error) (string, bool) {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return "", false
	}
	if se.HTTPStatusCode >= 500 || se.HTTPStatusCode == http.StatusTooManyRequests {
		return "", false
	}
	return se.Msg, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
