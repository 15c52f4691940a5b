package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PlanStore reads the plan catalog.
type PlanStore interface {
	GetPlan(ctx context.Context, id uuid.UUID) (Plan, error)
	GetPlanByCode(ctx context.Context, code string) (Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)
}

// SubscriptionFilter selects subscriptions for the sweeps. Zero fields do
// not filter.
type SubscriptionFilter struct {
	Statuses        []SubscriptionStatus
	PeriodEndBefore time.Time
	PeriodEndAfter  time.Time
}

type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id uuid.UUID) (Subscription, error)
	// CurrentSubscription returns the owner's live subscription or
	// ErrSubscriptionNotFound.
	CurrentSubscription(ctx context.Context, ownerID uuid.UUID) (Subscription, error)
	CountSubscriptions(ctx context.Context, ownerID uuid.UUID) (int, error)
	ListSubscriptions(ctx context.Context, f SubscriptionFilter) ([]Subscription, error)
	// CreateSubscription returns ErrSubscriptionExists when the owner
	// already has a live subscription.
	CreateSubscription(ctx context.Context, s Subscription) error
	// UpdateSubscription writes s only while the stored status is still
	// from, otherwise it returns ErrStaleSubscription.
	UpdateSubscription(ctx context.Context, s Subscription, from SubscriptionStatus) error
	// ExpireSubscriptions moves every subscription in statuses whose period
	// ended before cutoff to expired, swapping in any pending plan, and
	// returns the rows it changed.
	ExpireSubscriptions(ctx context.Context, statuses []SubscriptionStatus, cutoff, now time.Time) ([]Subscription, error)
	// ClaimNotice sets LastNotice to next only if it still equals prev.
	ClaimNotice(ctx context.Context, id uuid.UUID, prev, next string) (bool, error)
}

// PaymentUpdate carries the fields written by a payment transition. Nil and
// empty fields are left untouched.
type PaymentUpdate struct {
	Status            PaymentStatus
	ProviderPaymentID string
	ProviderData      []byte
	PaidAt            *time.Time
	FailedAt          *time.Time
	RefundedAt        *time.Time
	FailureReason     string
	RefundAmount      int64
	At                time.Time
}

type PaymentStore interface {
	GetPayment(ctx context.Context, id uuid.UUID) (Payment, error)
	GetPaymentByOrderRef(ctx context.Context, orderRef string) (Payment, error)
	// InFlightPayment returns the subscription's pending or processing
	// payment, or ErrPaymentNotFound.
	InFlightPayment(ctx context.Context, subscriptionID uuid.UUID) (Payment, error)
	// CreatePayment returns ErrPaymentInFlight when the subscription already
	// has an in-flight payment.
	CreatePayment(ctx context.Context, p Payment) error
	// TransitionPayment applies u only while the stored status is one of
	// from and returns the updated row, otherwise ErrStalePayment.
	TransitionPayment(ctx context.Context, id uuid.UUID, from []PaymentStatus, u PaymentUpdate) (Payment, error)
	ListPayments(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]Payment, error)
	CountCompletedPayments(ctx context.Context, ownerID uuid.UUID) (int, error)
}

// Queries is everything readable and writable inside a transaction.
type Queries interface {
	PlanStore
	SubscriptionStore
	PaymentStore
}

// Store runs check-then-write sequences atomically. Implementations use the
// strongest isolation they have; fn may be re-run and must not call out of
// process.
type Store interface {
	Queries
	Tx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
}

// CampaignRetention receives the grace period and deletion signals of the
// retention sweeps. It owns the campaigns themselves.
type CampaignRetention interface {
	// StageGracePeriod sets deadline on every campaign of owner that has
	// none and returns how many changed.
	StageGracePeriod(ctx context.Context, ownerID uuid.UUID, deadline time.Time) (int, error)
	// MarkForDeletion flags campaigns whose grace period ended before now.
	MarkForDeletion(ctx context.Context, now time.Time) (int, error)
}
