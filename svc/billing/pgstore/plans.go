package pgstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/campaignbilling/svc/billing"
)

const planColumns = `id, code, name, price, currency, interval, active, tier, category, paddle_price_id, created_at, updated_at`

func scanPlan(row pgx.CollectableRow) (billing.Plan, error) {
	var (
		p        billing.Plan
		interval string
	)
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Price, &p.Currency, &interval, &p.Active,
		&p.Tier, &p.Category, &p.PaddlePriceID, &p.CreatedAt, &p.UpdatedAt)
	p.Interval = billing.Interval(interval)
	return p, err
}

func (q queries) GetPlan(ctx context.Context, id uuid.UUID) (billing.Plan, error) {
	rows, _ := q.db.Query(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id)
	p, err := pgx.CollectExactlyOneRow(rows, scanPlan)
	if err != nil {
		return billing.Plan{}, notFound("get plan", err, billing.ErrPlanNotFound)
	}
	return p, nil
}

func (q queries) GetPlanByCode(ctx context.Context, code string) (billing.Plan, error) {
	rows, _ := q.db.Query(ctx, `SELECT `+planColumns+` FROM plans WHERE code = $1`, code)
	p, err := pgx.CollectExactlyOneRow(rows, scanPlan)
	if err != nil {
		return billing.Plan{}, notFound("get plan by code", err, billing.ErrPlanNotFound)
	}
	return p, nil
}

func (q queries) ListPlans(ctx context.Context) ([]billing.Plan, error) {
	rows, _ := q.db.Query(ctx, `SELECT `+planColumns+` FROM plans ORDER BY price, code`)
	plans, err := pgx.CollectRows(rows, scanPlan)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return plans, nil
}

// UpsertPlan inserts p or updates the plan with the same code.
func (s *Store) UpsertPlan(ctx context.Context, p billing.Plan) (billing.Plan, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	rows, _ := s.db.Query(ctx, `
INSERT INTO plans (id, code, name, price, currency, interval, active, tier, category, paddle_price_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (code) DO UPDATE SET
    name = EXCLUDED.name,
    price = EXCLUDED.price,
    currency = EXCLUDED.currency,
    interval = EXCLUDED.interval,
    active = EXCLUDED.active,
    tier = EXCLUDED.tier,
    category = EXCLUDED.category,
    paddle_price_id = EXCLUDED.paddle_price_id,
    updated_at = now()
RETURNING `+planColumns,
		p.ID, p.Code, p.Name, p.Price, p.Currency, string(p.Interval), p.Active, p.Tier, p.Category, p.PaddlePriceID)
	saved, err := pgx.CollectExactlyOneRow(rows, scanPlan)
	if err != nil {
		return billing.Plan{}, fmt.Errorf("upsert plan %s: %w", p.Code, err)
	}
	return saved, nil
}
