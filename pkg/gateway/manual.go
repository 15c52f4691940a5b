package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dmitrymomot/campaignbilling/pkg/webhook"
)

type ManualConfig struct {
	Enabled bool `env:"MANUAL_ENABLED" envDefault:"false"`
	// SigningSecret authenticates back office confirmations.
	SigningSecret string        `env:"MANUAL_SIGNING_SECRET"`
	MaxAge        time.Duration `env:"MANUAL_SIGNATURE_MAX_AGE" envDefault:"5m"`
}

func (c ManualConfig) validate() error {
	if c.SigningSecret == "" {
		return fmt.Errorf("%w: manual gateway requires a signing secret", ErrMissingCredentials)
	}
	return nil
}

// ManualConfirmation is the signed body the back office posts once an
// offline payment (bank transfer, invoice) has been reconciled.
type ManualConfirmation struct {
	OrderRef  string    `json:"order_ref"`
	Reference string    `json:"reference"`
	Amount    int64     `json:"amount"`
	Paid      bool      `json:"paid"`
	Message   string    `json:"message,omitempty"`
	PaidAt    time.Time `json:"paid_at,omitzero"`
}

// Manual records offline payments. Creation never redirects; the outcome
// arrives as a signed ManualConfirmation.
type Manual struct {
	cfg ManualConfig
	now func() time.Time
}

func NewManual(cfg ManualConfig) (*Manual, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Manual{cfg: cfg, now: time.Now}, nil
}

func (g *Manual) Provider() Provider { return ProviderManual }

func (g *Manual) CreatePayment(_ context.Context, p CreateParams) (CreateResult, error) {
	if p.Amount <= 0 {
		return declined("amount must be positive"), nil
	}
	return CreateResult{
		Success:       true,
		TransactionID: "manual-" + p.OrderRef,
		Raw:           rawJSON(map[string]any{"order_ref": p.OrderRef, "amount": p.Amount}),
	}, nil
}

func (g *Manual) VerifyCallback(_ context.Context, cb Callback) (VerifyResult, error) {
	sig, err := webhook.ParseHeaders(cb.Header)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := webhook.Verify(g.cfg.SigningSecret, cb.Body, sig, g.cfg.MaxAge, g.now()); err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var c ManualConfirmation
	if err := json.Unmarshal(cb.Body, &c); err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	res := VerifyResult{
		Success:       c.Paid,
		OrderRef:      c.OrderRef,
		TransactionID: c.Reference,
		Amount:        c.Amount,
		Raw:           cb.Body,
	}
	if c.Paid {
		res.PaidAt = c.PaidAt
		if res.PaidAt.IsZero() {
			res.PaidAt = g.now()
		}
	} else {
		res.ErrorMessage = firstNonEmpty(c.Message, "rejected by back office")
	}
	return res, nil
}

// Refund has nothing to reverse at a provider; money is returned offline.
func (g *Manual) Refund(_ context.Context, r RefundParams) (RefundResult, error) {
	return RefundResult{Success: true, RefundID: "manual-refund-" + r.OrderRef}, nil
}

func (g *Manual) Ack(processed bool) Ack {
	a := jsonAck(processed)
	if !processed {
		a.Status = http.StatusUnprocessableEntity
	}
	return a
}
