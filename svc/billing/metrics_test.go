package billing_test

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/campaignbilling/pkg/gateway"
	"github.com/dmitrymomot/campaignbilling/svc/billing"
)

func TestPaymentMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	h := newHarness(t, billing.WithMetrics(billing.MustNewMetrics(reg)))
	sub, co := startTrialCheckout(t, h)

	h.notifier.On("PaymentSucceeded", sub.OwnerID, co.Payment.ID).Return(nil)
	h.rewarder.On("GrantReferralReward", sub.OwnerID).Return(nil)
	h.conversions.On("AdvanceConversion", sub.OwnerID).Return(nil)
	h.gateway.verify = paidWebhook(co.Payment)
	_, err := h.orch.HandleWebhook(context.Background(), gateway.ProviderStripe, gateway.Callback{Body: []byte("evt")})
	require.NoError(t, err)

	expected := `
# HELP billing_payments_total Payment state changes by provider and resulting status.
# TYPE billing_payments_total counter
billing_payments_total{provider="stripe",status="completed"} 1
billing_payments_total{provider="stripe",status="pending"} 1
billing_payments_total{provider="stripe",status="processing"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "billing_payments_total"))

	n, err := testutil.GatherAndCount(reg, "billing_webhooks_total", "billing_subscription_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMetricsNilSafe(t *testing.T) {
	t.Parallel()
	h := newHarness(t, billing.WithMetrics(nil))
	_, err := h.lifecycle.DeletionMarkingSweep(context.Background())
	assert.NoError(t, err)
}
