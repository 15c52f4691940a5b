package gateway_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/campaignbilling/pkg/gateway"
)

const paddleSecret = "pdl_ntfset_test_secret"

func paddleCallback(body, secret string) gateway.Callback {
	ts := fmt.Sprint(time.Now().Unix())
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(ts + ":" + body))
	h := http.Header{}
	h.Set("Paddle-Signature", "ts="+ts+";h1="+hex.EncodeToString(m.Sum(nil)))
	return gateway.Callback{Body: []byte(body), Header: h}
}

func paddleEventBody(eventType string) string {
	return `{"event_id":"evt_01","event_type":"` + eventType + `","occurred_at":"2025-05-01T04:00:00Z",` +
		`"data":{"id":"txn_01","status":"completed","custom_data":{"order_ref":"CB0A1B2C3D4E5F60718"},` +
		`"details":{"totals":{"grand_total":"1990"}}}}`
}

func TestPaddle_VerifyCallback(t *testing.T) {
	t.Parallel()
	g, err := gateway.NewPaddle(gateway.PaddleConfig{APIKey: "pdl_test_key", WebhookSecret: paddleSecret, Environment: "sandbox"})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("completed", func(t *testing.T) {
		t.Parallel()
		res, err := g.VerifyCallback(ctx, paddleCallback(paddleEventBody("transaction.completed"), paddleSecret))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "CB0A1B2C3D4E5F60718", res.OrderRef)
		assert.Equal(t, "txn_01", res.TransactionID)
		assert.Equal(t, int64(1990), res.Amount)
		assert.Equal(t, time.Date(2025, 5, 1, 4, 0, 0, 0, time.UTC), res.PaidAt.UTC())
	})

	t.Run("payment failed", func(t *testing.T) {
		t.Parallel()
		res, err := g.VerifyCallback(ctx, paddleCallback(paddleEventBody("transaction.payment_failed"), paddleSecret))
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.False(t, res.Ignored)
		assert.Equal(t, "payment_failed", res.ErrorMessage)
	})

	t.Run("other event", func(t *testing.T) {
		t.Parallel()
		res, err := g.VerifyCallback(ctx, paddleCallback(paddleEventBody("transaction.updated"), paddleSecret))
		require.NoError(t, err)
		assert.True(t, res.Ignored)
	})

	t.Run("bad signature", func(t *testing.T) {
		t.Parallel()
		_, err := g.VerifyCallback(ctx, paddleCallback(paddleEventBody("transaction.completed"), "other"))
		assert.ErrorIs(t, err, gateway.ErrInvalidSignature)
	})
}

func TestPaddle_CreatePaymentRequiresCatalogPrice(t *testing.T) {
	t.Parallel()
	g, err := gateway.NewPaddle(gateway.PaddleConfig{APIKey: "pdl_test_key", WebhookSecret: paddleSecret})
	require.NoError(t, err)

	res, err := g.CreatePayment(context.Background(), gateway.CreateParams{OrderRef: "CB1", Amount: 1990})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestNewPaddle_InvalidEnvironment(t *testing.T) {
	t.Parallel()
	_, err := gateway.NewPaddle(gateway.PaddleConfig{APIKey: "k", WebhookSecret: "s", Environment: "staging"})
	assert.ErrorIs(t, err, gateway.ErrMissingCredentials)
}

func TestPaddle_RefundRequiresTransactionID(t *testing.T) {
	t.Parallel()
	g, err := gateway.NewPaddle(gateway.PaddleConfig{APIKey: "pdl_test_key", WebhookSecret: paddleSecret})
	require.NoError(t, err)

	res, err := gateway.Refund(context.Background(), g, gateway.RefundParams{TransactionID: "pi_123", Amount: 1990})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "paddle transaction id")
}

func TestPaddle_RefundCreatesFullAdjustment(t *testing.T) {
	t.Parallel()
	var (
		path string
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"id":"adj_01","action":"refund","type":"full","status":"pending_approval"}}`))
	}))
	t.Cleanup(srv.Close)

	g, err := gateway.NewPaddle(gateway.PaddleConfig{APIKey: "pdl_test_key", WebhookSecret: paddleSecret, BaseURL: srv.URL})
	require.NoError(t, err)

	res, err := gateway.Refund(context.Background(), g, gateway.RefundParams{TransactionID: "txn_01", Amount: 1990})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "adj_01", res.RefundID)
	assert.Equal(t, "/adjustments", path)
	assert.JSONEq(t, `{"action":"refund","reason":"refund requested","transaction_id":"txn_01","type":"full"}`, string(body))
}
