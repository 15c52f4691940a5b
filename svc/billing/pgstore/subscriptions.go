package pgstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/campaignbilling/svc/billing"
)

const subscriptionColumns = `id, owner_id, plan_id, pending_plan_id, status,
    current_period_start, current_period_end, trial_ends_at, cancelled_at, cancel_reason, auto_renew,
    custom_price, price_delta, adjustment_reason, adjusted_by, adjusted_at,
    last_notice, created_at, updated_at`

// liveCondition matches the partial index subscriptions_one_live_per_owner.
const liveCondition = `status NOT IN ('cancelled', 'expired')`

func scanSubscription(row pgx.CollectableRow) (billing.Subscription, error) {
	var (
		s          billing.Subscription
		status     string
		reason     *string
		adjustedBy *string
		adjustedAt *time.Time
	)
	err := row.Scan(&s.ID, &s.OwnerID, &s.PlanID, &s.PendingPlanID, &status,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.TrialEndsAt, &s.CancelledAt, &s.CancelReason, &s.AutoRenew,
		&s.CustomPrice, &s.PriceDelta, &reason, &adjustedBy, &adjustedAt,
		&s.LastNotice, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return billing.Subscription{}, err
	}
	s.Status = billing.SubscriptionStatus(status)
	if adjustedAt != nil {
		s.Adjustment = &billing.PriceAdjustment{AdjustedAt: *adjustedAt}
		if reason != nil {
			s.Adjustment.Reason = *reason
		}
		if adjustedBy != nil {
			s.Adjustment.AdjustedBy = *adjustedBy
		}
	}
	return s, nil
}

// subscriptionArgs returns the column values of s in subscriptionColumns order.
func subscriptionArgs(s billing.Subscription) []any {
	var (
		reason, adjustedBy *string
		adjustedAt         *time.Time
	)
	if a := s.Adjustment; a != nil {
		reason, adjustedBy, adjustedAt = &a.Reason, &a.AdjustedBy, &a.AdjustedAt
	}
	return []any{
		s.ID, s.OwnerID, s.PlanID, s.PendingPlanID, string(s.Status),
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.TrialEndsAt, s.CancelledAt, s.CancelReason, s.AutoRenew,
		s.CustomPrice, s.PriceDelta, reason, adjustedBy, adjustedAt,
		s.LastNotice, s.CreatedAt, s.UpdatedAt,
	}
}

func (q queries) GetSubscription(ctx context.Context, id uuid.UUID) (billing.Subscription, error) {
	rows, _ := q.db.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	s, err := pgx.CollectExactlyOneRow(rows, scanSubscription)
	if err != nil {
		return billing.Subscription{}, notFound("get subscription", err, billing.ErrSubscriptionNotFound)
	}
	return s, nil
}

func (q queries) CurrentSubscription(ctx context.Context, ownerID uuid.UUID) (billing.Subscription, error) {
	rows, _ := q.db.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
WHERE owner_id = $1 AND `+liveCondition, ownerID)
	s, err := pgx.CollectExactlyOneRow(rows, scanSubscription)
	if err != nil {
		return billing.Subscription{}, notFound("current subscription", err, billing.ErrSubscriptionNotFound)
	}
	return s, nil
}

func (q queries) CountSubscriptions(ctx context.Context, ownerID uuid.UUID) (int, error) {
	var n int
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM subscriptions WHERE owner_id = $1`, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return n, nil
}

func (q queries) ListSubscriptions(ctx context.Context, f billing.SubscriptionFilter) ([]billing.Subscription, error) {
	where, args := filterClause(f)
	rows, _ := q.db.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions`+where+` ORDER BY current_period_end, id`, args...)
	subs, err := pgx.CollectRows(rows, scanSubscription)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// filterClause renders f as a WHERE clause with positional arguments.
func filterClause(f billing.SubscriptionFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if len(f.Statuses) > 0 {
		add("status = ANY(?::text[])", statusStrings(f.Statuses))
	}
	if !f.PeriodEndBefore.IsZero() {
		add("current_period_end < ?", f.PeriodEndBefore)
	}
	if !f.PeriodEndAfter.IsZero() {
		add("current_period_end > ?", f.PeriodEndAfter)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func statusStrings[S ~string](statuses []S) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (q queries) CreateSubscription(ctx context.Context, s billing.Subscription) error {
	_, err := q.db.Exec(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		subscriptionArgs(s)...)
	if err != nil {
		return mapUniqueViolation("create subscription", err)
	}
	return nil
}

func (q queries) UpdateSubscription(ctx context.Context, s billing.Subscription, from billing.SubscriptionStatus) error {
	args := subscriptionArgs(s)
	args = append(args[:17], s.UpdatedAt, string(from))
	tag, err := q.db.Exec(ctx, `UPDATE subscriptions SET
    owner_id = $2, plan_id = $3, pending_plan_id = $4, status = $5,
    current_period_start = $6, current_period_end = $7, trial_ends_at = $8, cancelled_at = $9,
    cancel_reason = $10, auto_renew = $11,
    custom_price = $12, price_delta = $13, adjustment_reason = $14, adjusted_by = $15, adjusted_at = $16,
    last_notice = $17, updated_at = $18
WHERE id = $1 AND status = $19`, args...)
	if err != nil {
		return mapUniqueViolation("update subscription", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := q.GetSubscription(ctx, s.ID); err != nil {
		return err
	}
	return billing.ErrStaleSubscription
}

func (q queries) ExpireSubscriptions(ctx context.Context, statuses []billing.SubscriptionStatus, cutoff, now time.Time) ([]billing.Subscription, error) {
	rows, _ := q.db.Query(ctx, `UPDATE subscriptions SET
    status = 'expired',
    plan_id = COALESCE(pending_plan_id, plan_id),
    pending_plan_id = NULL,
    updated_at = $3
WHERE status = ANY($1::text[]) AND current_period_end < $2
RETURNING `+subscriptionColumns, statusStrings(statuses), cutoff, now)
	subs, err := pgx.CollectRows(rows, scanSubscription)
	if err != nil {
		return nil, fmt.Errorf("expire subscriptions: %w", err)
	}
	return subs, nil
}

func (q queries) ClaimNotice(ctx context.Context, id uuid.UUID, prev, next string) (bool, error) {
	tag, err := q.db.Exec(ctx, `UPDATE subscriptions SET last_notice = $3 WHERE id = $1 AND last_notice = $2`, id, prev, next)
	if err != nil {
		return false, fmt.Errorf("claim notice: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := q.GetSubscription(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}
