package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/campaignbilling/pkg/gateway"
	"github.com/dmitrymomot/campaignbilling/svc/billing"
)

const paymentColumns = `id, subscription_id, owner_id, order_ref, amount, original_amount, currency, status, provider,
    provider_payment_id, provider_data, paid_at, failed_at, refunded_at, failure_reason, refund_amount,
    invoice_number, created_at, updated_at`

func scanPayment(row pgx.CollectableRow) (billing.Payment, error) {
	var (
		p        billing.Payment
		status   string
		provider string
		data     []byte
	)
	err := row.Scan(&p.ID, &p.SubscriptionID, &p.OwnerID, &p.OrderRef, &p.Amount, &p.OriginalAmount, &p.Currency,
		&status, &provider, &p.ProviderPaymentID, &data, &p.PaidAt, &p.FailedAt, &p.RefundedAt,
		&p.FailureReason, &p.RefundAmount, &p.InvoiceNumber, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return billing.Payment{}, err
	}
	p.Status = billing.PaymentStatus(status)
	p.Provider = gateway.Provider(provider)
	p.ProviderData = data
	return p, nil
}

func (q queries) getPayment(ctx context.Context, op, where string, arg any) (billing.Payment, error) {
	rows, _ := q.db.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE `+where, arg)
	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		return billing.Payment{}, notFound(op, err, billing.ErrPaymentNotFound)
	}
	return p, nil
}

func (q queries) GetPayment(ctx context.Context, id uuid.UUID) (billing.Payment, error) {
	return q.getPayment(ctx, "get payment", "id = $1", id)
}

func (q queries) GetPaymentByOrderRef(ctx context.Context, orderRef string) (billing.Payment, error) {
	return q.getPayment(ctx, "get payment by order ref", "order_ref = $1", orderRef)
}

func (q queries) InFlightPayment(ctx context.Context, subscriptionID uuid.UUID) (billing.Payment, error) {
	return q.getPayment(ctx, "in-flight payment",
		"subscription_id = $1 AND status IN ('pending', 'processing')", subscriptionID)
}

func (q queries) CreatePayment(ctx context.Context, p billing.Payment) error {
	var data []byte
	if len(p.ProviderData) > 0 {
		data = p.ProviderData
	}
	_, err := q.db.Exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		p.ID, p.SubscriptionID, p.OwnerID, p.OrderRef, p.Amount, p.OriginalAmount, p.Currency,
		string(p.Status), string(p.Provider), p.ProviderPaymentID, data, p.PaidAt, p.FailedAt, p.RefundedAt,
		p.FailureReason, p.RefundAmount, p.InvoiceNumber, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return mapUniqueViolation("create payment", err)
	}
	return nil
}

func (q queries) TransitionPayment(ctx context.Context, id uuid.UUID, from []billing.PaymentStatus, u billing.PaymentUpdate) (billing.Payment, error) {
	var data []byte
	if len(u.ProviderData) > 0 {
		data = u.ProviderData
	}
	rows, _ := q.db.Query(ctx, `UPDATE payments SET
    status = $3,
    provider_payment_id = COALESCE(NULLIF($4::text, ''), provider_payment_id),
    provider_data = COALESCE($5::jsonb, provider_data),
    paid_at = COALESCE($6, paid_at),
    failed_at = COALESCE($7, failed_at),
    refunded_at = COALESCE($8, refunded_at),
    failure_reason = COALESCE(NULLIF($9::text, ''), failure_reason),
    refund_amount = CASE WHEN $10::bigint <> 0 THEN $10::bigint ELSE refund_amount END,
    updated_at = $11
WHERE id = $1 AND status = ANY($2::text[])
RETURNING `+paymentColumns,
		id, statusStrings(from), string(u.Status), u.ProviderPaymentID, data,
		u.PaidAt, u.FailedAt, u.RefundedAt, u.FailureReason, u.RefundAmount, u.At)
	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return billing.Payment{}, fmt.Errorf("transition payment: %w", err)
	}
	cur, err := q.GetPayment(ctx, id)
	if err != nil {
		return billing.Payment{}, err
	}
	return cur, billing.ErrStalePayment
}

func (q queries) ListPayments(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]billing.Payment, error) {
	rows, _ := q.db.Query(ctx, `SELECT `+paymentColumns+` FROM payments
WHERE owner_id = $1
ORDER BY created_at DESC, order_ref
LIMIT $2 OFFSET $3`, ownerID, limit, offset)
	payments, err := pgx.CollectRows(rows, scanPayment)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}

func (q queries) CountCompletedPayments(ctx context.Context, ownerID uuid.UUID) (int, error) {
	var n int
	err := q.db.QueryRow(ctx, `SELECT count(*) FROM payments WHERE owner_id = $1 AND status = 'completed'`, ownerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed payments: %w", err)
	}
	return n, nil
}
