package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

const paddleOrderRefKey = "order_ref"

type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"sandbox"`
	// BaseURL overrides the environment's API host.
	BaseURL string `env:"PADDLE_BASE_URL"`
}

func (c PaddleConfig) enabled() bool {
	return c.APIKey != "" || c.WebhookSecret != ""
}

func (c PaddleConfig) validate() error {
	if c.APIKey == "" || c.WebhookSecret == "" {
		return fmt.Errorf("%w: paddle requires api key and webhook secret", ErrMissingCredentials)
	}
	return nil
}

// Paddle is a hosted checkout gateway charging catalog prices.
type Paddle struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
}

func NewPaddle(cfg PaddleConfig) (*Paddle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var (
		client *paddle.SDK
		err    error
		opts   []paddle.Option
	)
	if cfg.BaseURL != "" {
		opts = append(opts, paddle.WithBaseURL(cfg.BaseURL))
	}
	switch strings.ToLower(cfg.Environment) {
	case "sandbox", "":
		client, err = paddle.NewSandbox(cfg.APIKey, opts...)
	case "production":
		client, err = paddle.New(cfg.APIKey, opts...)
	default:
		return nil, fmt.Errorf("%w: invalid paddle environment %q", ErrMissingCredentials, cfg.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("paddle client: %w", err)
	}
	return &Paddle{client: client, verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret)}, nil
}

func (g *Paddle) Provider() Provider { return ProviderPaddle }

// CreatePayment opens a transaction for the plan's catalog price. Price
// overrides cannot be expressed against a catalog price and are declined.
func (g *Paddle) CreatePayment(ctx context.Context, p CreateParams) (CreateResult, error) {
	if p.CatalogPriceID == "" {
		return declined("plan has no paddle price"), nil
	}
	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  p.CatalogPriceID,
		Quantity: 1,
	})
	req := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{paddleOrderRefKey: p.OrderRef},
	}
	if p.ReturnURL != "" {
		req.Checkout = &paddle.TransactionCheckout{URL: paddle.PtrTo(p.ReturnURL)}
	}

	tx, err := g.client.TransactionsClient.CreateTransaction(ctx, req)
	if err != nil {
		return CreateResult{}, fmt.Errorf("paddle create transaction: %w", err)
	}
	if tx.Checkout == nil || tx.Checkout.URL == nil {
		return declined("paddle returned no checkout url"), nil
	}
	return CreateResult{
		Success:       true,
		PaymentURL:    *tx.Checkout.URL,
		TransactionID: tx.ID,
		Raw:           rawJSON(map[string]any{"id": tx.ID, "status": tx.Status}),
	}, nil
}

type paddleEvent struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	OccurredAt string `json:"occurred_at"`
	Data       struct {
		ID         string            `json:"id"`
		Status     string            `json:"status"`
		CustomData map[string]string `json:"custom_data"`
		Details    struct {
			Totals struct {
				GrandTotal string `json:"grand_total"`
			} `json:"totals"`
		} `json:"details"`
	} `json:"data"`
}

func (g *Paddle) VerifyCallback(ctx context.Context, cb Callback) (VerifyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/", bytes.NewReader(cb.Body))
	if err != nil {
		return VerifyResult{}, err
	}
	req.Header.Set("Paddle-Signature", cb.Header.Get("Paddle-Signature"))
	ok, err := g.verifier.Verify(req)
	if err != nil || !ok {
		return VerifyResult{}, fmt.Errorf("%w: paddle signature rejected", ErrInvalidSignature)
	}

	var ev paddleEvent
	if err := json.Unmarshal(cb.Body, &ev); err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	res := VerifyResult{
		OrderRef:      ev.Data.CustomData[paddleOrderRefKey],
		TransactionID: ev.Data.ID,
		Raw:           cb.Body,
	}
	res.Amount, _ = strconv.ParseInt(ev.Data.Details.Totals.GrandTotal, 10, 64)

	switch ev.EventType {
	case "transaction.completed", "transaction.paid":
		res.Success = true
		res.PaidAt, err = time.Parse(time.RFC3339, ev.OccurredAt)
		if err != nil {
			res.PaidAt = time.Now()
		}
	case "transaction.payment_failed", "transaction.canceled":
		res.ErrorMessage = strings.TrimPrefix(ev.EventType, "transaction.")
	default:
		res.Ignored = true
		res.ErrorMessage = "unhandled paddle event " + ev.EventType
	}
	return res, nil
}

func (g *Paddle) QueryTransaction(ctx context.Context, q QueryParams) (VerifyResult, error) {
	tx, err := g.client.TransactionsClient.GetTransaction(ctx, &paddle.GetTransactionRequest{TransactionID: q.TransactionID})
	if err != nil {
		return VerifyResult{}, fmt.Errorf("paddle get transaction: %w", err)
	}
	res := VerifyResult{
		OrderRef:      q.OrderRef,
		TransactionID: tx.ID,
		Amount:        q.Amount,
		Raw:           rawJSON(map[string]any{"id": tx.ID, "status": tx.Status}),
	}
	switch status := string(tx.Status); status {
	case "completed", "paid":
		res.Success = true
		res.PaidAt = time.Now()
	case "canceled":
		res.ErrorMessage = "paddle transaction canceled"
	default:
		res.Ignored = true
		res.ErrorMessage = "paddle transaction " + status
	}
	return res, nil
}

func (g *Paddle) Ack(processed bool) Ack { return jsonAck(processed) }

// Refund creates a full refund adjustment. Paddle reviews refunds before
// they settle; anything short of a rejection counts as accepted.
func (g *Paddle) Refund(ctx context.Context, r RefundParams) (RefundResult, error) {
	if !strings.HasPrefix(r.TransactionID, "txn_") {
		return RefundResult{ErrorMessage: "refund requires a paddle transaction id"}, nil
	}
	reason := r.Reason
	if reason == "" {
		reason = "refund requested"
	}
	full := paddle.AdjustmentTypeFull
	adj, err := g.client.AdjustmentsClient.CreateAdjustment(ctx, &paddle.CreateAdjustmentRequest{
		Action:        paddle.AdjustmentActionRefund,
		TransactionID: r.TransactionID,
		Reason:        reason,
		Type:          &full,
	})
	if err != nil {
		return RefundResult{}, fmt.Errorf("paddle create adjustment: %w", err)
	}
	res := RefundResult{
		RefundID: adj.ID,
		Raw:      rawJSON(map[string]any{"id": adj.ID, "status": adj.Status}),
	}
	if status := string(adj.Status); status == "rejected" {
		res.ErrorMessage = "paddle rejected the refund"
	} else {
		res.Success = true
	}
	return res, nil
}
