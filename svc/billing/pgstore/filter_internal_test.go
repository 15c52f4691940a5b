package pgstore

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/campaignbilling/svc/billing"
)

func TestFilterClause(t *testing.T) {
	t.Parallel()
	at := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		where, args := filterClause(billing.SubscriptionFilter{})
		assert.Empty(t, where)
		assert.Empty(t, args)
	})

	t.Run("all fields", func(t *testing.T) {
		t.Parallel()
		where, args := filterClause(billing.SubscriptionFilter{
			Statuses:        []billing.SubscriptionStatus{billing.StatusTrial, billing.StatusActive},
			PeriodEndBefore: at.Add(time.Hour),
			PeriodEndAfter:  at,
		})
		assert.Equal(t, " WHERE status = ANY($1::text[]) AND current_period_end < $2 AND current_period_end > $3", where)
		assert.Equal(t, []any{[]string{"trial", "active"}, at.Add(time.Hour), at}, args)
	})

	t.Run("placeholders follow present fields", func(t *testing.T) {
		t.Parallel()
		where, args := filterClause(billing.SubscriptionFilter{PeriodEndAfter: at})
		assert.Equal(t, " WHERE current_period_end > $1", where)
		assert.Len(t, args, 1)
	})
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()

	live := fmt.Errorf("exec: %w", &pgconn.PgError{Code: "23505", ConstraintName: constraintLiveSubscription})
	inFlight := &pgconn.PgError{Code: "23505", ConstraintName: constraintInFlightPayment}
	orderRef := &pgconn.PgError{Code: "23505", ConstraintName: "payments_order_ref_key"}

	assert.ErrorIs(t, mapUniqueViolation("op", live), billing.ErrSubscriptionExists)
	assert.ErrorIs(t, mapUniqueViolation("op", inFlight), billing.ErrPaymentInFlight)
	err := mapUniqueViolation("create payment", orderRef)
	assert.NotErrorIs(t, err, billing.ErrPaymentInFlight)
	assert.ErrorContains(t, err, "create payment")

	assert.Equal(t, billing.ErrPlanNotFound, notFound("get plan", pgx.ErrNoRows, billing.ErrPlanNotFound))
	boom := errors.New("boom")
	assert.ErrorIs(t, notFound("get plan", boom, billing.ErrPlanNotFound), boom)
}
