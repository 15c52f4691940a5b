package gateway_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/campaignbilling/pkg/gateway"
	"github.com/dmitrymomot/campaignbilling/pkg/logger"
)

type stubGateway struct {
	provider gateway.Provider
	create   func() (gateway.CreateResult, error)
	calls    int
}

func (s *stubGateway) Provider() gateway.Provider { return s.provider }

func (s *stubGateway) CreatePayment(context.Context, gateway.CreateParams) (gateway.CreateResult, error) {
	s.calls++
	return s.create()
}

func (s *stubGateway) VerifyCallback(context.Context, gateway.Callback) (gateway.VerifyResult, error) {
	return gateway.VerifyResult{}, nil
}

func (s *stubGateway) Ack(bool) gateway.Ack { return gateway.Ack{} }

var errProviderDown = errors.New("connection refused")

func TestWithBreaker(t *testing.T) {
	t.Parallel()
	cfg := gateway.BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, ConsecutiveFailures: 2}
	ctx := context.Background()

	t.Run("opens after consecutive errors", func(t *testing.T) {
		t.Parallel()
		stub := &stubGateway{provider: gateway.ProviderECPay, create: func() (gateway.CreateResult, error) {
			return gateway.CreateResult{}, errProviderDown
		}}
		g := gateway.WithBreaker(stub, cfg, logger.Nop())
		assert.Equal(t, gateway.ProviderECPay, g.Provider())

		for range 2 {
			_, err := g.CreatePayment(ctx, gateway.CreateParams{})
			require.ErrorIs(t, err, errProviderDown)
		}
		_, err := g.CreatePayment(ctx, gateway.CreateParams{})
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
		assert.Equal(t, 2, stub.calls)
	})

	t.Run("declines do not trip", func(t *testing.T) {
		t.Parallel()
		stub := &stubGateway{provider: gateway.ProviderECPay, create: func() (gateway.CreateResult, error) {
			return gateway.CreateResult{ErrorMessage: "card declined"}, nil
		}}
		g := gateway.WithBreaker(stub, cfg, logger.Nop())
		for range 5 {
			res, err := g.CreatePayment(ctx, gateway.CreateParams{})
			require.NoError(t, err)
			assert.False(t, res.Success)
		}
		assert.Equal(t, 5, stub.calls)
	})

	t.Run("unsupported operations pass through", func(t *testing.T) {
		t.Parallel()
		stub := &stubGateway{provider: gateway.ProviderPaddle}
		g := gateway.WithBreaker(stub, cfg, logger.Nop())
		for range 3 {
			_, err := gateway.Refund(ctx, g, gateway.RefundParams{})
			assert.ErrorIs(t, err, gateway.ErrRefundUnsupported)
			_, err = gateway.Query(ctx, g, gateway.QueryParams{})
			assert.ErrorIs(t, err, gateway.ErrQueryUnsupported)
		}
	})
}
