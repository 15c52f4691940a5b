package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/campaignbilling/pkg/gateway"
)

var (
	completableFrom = []PaymentStatus{PaymentPending, PaymentProcessing, PaymentFailed}
	failableFrom    = []PaymentStatus{PaymentPending, PaymentProcessing}
	refundableFrom  = []PaymentStatus{PaymentCompleted}
)

// Ledger owns every write to Payment rows. Status changes are conditional
// updates, so racing callbacks cannot both win.
type Ledger struct {
	store Store
	now   func() time.Time
}

func NewLedger(store Store, now func() time.Time) *Ledger {
	if store == nil {
		panic("billing: ledger store is required")
	}
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, now: now}
}

// OpenParams describes a new charge.
type OpenParams struct {
	SubscriptionID uuid.UUID
	OwnerID        uuid.UUID
	Provider       gateway.Provider
	Amount         int64
	OriginalAmount *int64
	Currency       string
}

// Open inserts a pending payment unless the subscription already has one in
// flight. The check and the insert share a transaction and the store also
// enforces the rule on insert.
func (l *Ledger) Open(ctx context.Context, p OpenParams) (Payment, error) {
	now := l.now()
	payment := Payment{
		ID:             uuid.New(),
		SubscriptionID: p.SubscriptionID,
		OwnerID:        p.OwnerID,
		OrderRef:       NewOrderRef(),
		Amount:         p.Amount,
		OriginalAmount: p.OriginalAmount,
		Currency:       p.Currency,
		Status:         PaymentPending,
		Provider:       p.Provider,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := l.store.Tx(ctx, func(ctx context.Context, q Queries) error {
		existing, err := q.InFlightPayment(ctx, p.SubscriptionID)
		switch {
		case err == nil:
			return paymentStateError(existing.Status, ErrPaymentInFlight)
		case !errors.Is(err, ErrPaymentNotFound):
			return err
		}
		if err := q.CreatePayment(ctx, payment); err != nil {
			if errors.Is(err, ErrPaymentInFlight) {
				return paymentStateError(PaymentPending, ErrPaymentInFlight)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return Payment{}, err
	}
	return payment, nil
}

// MarkProcessing records that the provider accepted the charge.
func (l *Ledger) MarkProcessing(ctx context.Context, id uuid.UUID, providerPaymentID string, raw []byte) (Payment, error) {
	p, err := l.store.TransitionPayment(ctx, id, []PaymentStatus{PaymentPending}, PaymentUpdate{
		Status:            PaymentProcessing,
		ProviderPaymentID: providerPaymentID,
		ProviderData:      raw,
		At:                l.now(),
	})
	if errors.Is(err, ErrStalePayment) {
		return p, paymentStateError(p.Status, ErrStalePayment)
	}
	return p, err
}

// Complete marks the payment completed. changed is false when it was
// already completed or refunded, in which case p is the stored row.
func (l *Ledger) Complete(ctx context.Context, id uuid.UUID, providerPaymentID string, paidAt time.Time, raw []byte) (p Payment, changed bool, err error) {
	now := l.now()
	if paidAt.IsZero() {
		paidAt = now
	}
	p, err = l.store.TransitionPayment(ctx, id, completableFrom, PaymentUpdate{
		Status:            PaymentCompleted,
		ProviderPaymentID: providerPaymentID,
		ProviderData:      raw,
		PaidAt:            ptr(paidAt),
		At:                now,
	})
	return settle(p, err)
}

// Fail marks a pending or processing payment failed. changed is false when
// the payment had already left those states.
func (l *Ledger) Fail(ctx context.Context, id uuid.UUID, reason string, raw []byte) (p Payment, changed bool, err error) {
	now := l.now()
	p, err = l.store.TransitionPayment(ctx, id, failableFrom, PaymentUpdate{
		Status:        PaymentFailed,
		ProviderData:  raw,
		FailedAt:      ptr(now),
		FailureReason: reason,
		At:            now,
	})
	return settle(p, err)
}

// Refund marks a completed payment refunded.
func (l *Ledger) Refund(ctx context.Context, id uuid.UUID, amount int64, raw []byte) (p Payment, changed bool, err error) {
	now := l.now()
	p, err = l.store.TransitionPayment(ctx, id, refundableFrom, PaymentUpdate{
		Status:       PaymentRefunded,
		ProviderData: raw,
		RefundedAt:   ptr(now),
		RefundAmount: amount,
		At:           now,
	})
	return settle(p, err)
}

func settle(p Payment, err error) (Payment, bool, error) {
	if errors.Is(err, ErrStalePayment) {
		return p, false, nil
	}
	if err != nil {
		return Payment{}, false, err
	}
	return p, true, nil
}

// Resolve finds a payment by its id or by its order reference.
func (l *Ledger) Resolve(ctx context.Context, ref string) (Payment, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return l.store.GetPayment(ctx, id)
	}
	if isOrderRef(ref) {
		return l.store.GetPaymentByOrderRef(ctx, ref)
	}
	return Payment{}, ErrUnresolvableOrder
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (Payment, error) {
	return l.store.GetPayment(ctx, id)
}

func (l *Ledger) History(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]Payment, error) {
	return l.store.ListPayments(ctx, ownerID, limit, offset)
}
