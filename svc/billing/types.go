package billing

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/campaignbilling/pkg/gateway"
)

// Interval is a plan's billing period.
type Interval string

const (
	IntervalMonth    Interval = "month"
	IntervalYear     Interval = "year"
	IntervalLifetime Interval = "lifetime"
)

// AddTo returns t advanced by one billing period. Lifetime plans run for a
// century, which keeps period arithmetic uniform.
func (i Interval) AddTo(t time.Time) time.Time {
	switch i {
	case IntervalYear:
		return t.AddDate(1, 0, 0)
	case IntervalLifetime:
		return t.AddDate(100, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// Plan is a catalog entry. The engine never writes plans.
type Plan struct {
	ID       uuid.UUID
	Code     string
	Name     string
	Price    int64
	Currency string
	Interval Interval
	Active   bool

	// Tier and Category are eligibility hints for callers.
	Tier     string
	Category string

	// PaddlePriceID links the plan to a catalog price for hosted checkout.
	PaddlePriceID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type SubscriptionStatus string

const (
	StatusPending   SubscriptionStatus = "pending"
	StatusTrial     SubscriptionStatus = "trial"
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusExpired   SubscriptionStatus = "expired"
)

func (s SubscriptionStatus) String() string { return string(s) }

func (s SubscriptionStatus) IsTerminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// LiveStatuses are the non-terminal subscription states. An owner holds at
// most one subscription in any of them.
var LiveStatuses = []SubscriptionStatus{StatusPending, StatusTrial, StatusActive, StatusPastDue}

// PriceAdjustment records who changed a subscription's price and why.
type PriceAdjustment struct {
	Reason     string
	AdjustedBy string
	AdjustedAt time.Time
}

type Subscription struct {
	ID            uuid.UUID
	OwnerID       uuid.UUID
	PlanID        uuid.UUID
	PendingPlanID *uuid.UUID
	Status        SubscriptionStatus

	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialEndsAt        *time.Time
	CancelledAt        *time.Time
	CancelReason       string
	AutoRenew          bool

	// CustomPrice replaces the plan price; PriceDelta is added to it.
	// At most one of them is set.
	CustomPrice *int64
	PriceDelta  *int64
	Adjustment  *PriceAdjustment

	// LastNotice is the key of the last reminder sent for this subscription.
	LastNotice string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

func (s PaymentStatus) String() string { return string(s) }

// IsTerminal reports statuses that no operation may leave.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentCompleted || s == PaymentRefunded
}

// IsInFlight reports statuses counted by the one-in-flight-payment rule.
func (s PaymentStatus) IsInFlight() bool {
	return s == PaymentPending || s == PaymentProcessing
}

type Payment struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	OwnerID        uuid.UUID

	// OrderRef is the merchant order number sent to the provider.
	OrderRef       string
	Amount         int64
	OriginalAmount *int64
	Currency       string
	Status         PaymentStatus
	Provider       gateway.Provider

	ProviderPaymentID string
	ProviderData      json.RawMessage

	PaidAt        *time.Time
	FailedAt      *time.Time
	RefundedAt    *time.Time
	FailureReason string
	RefundAmount  int64
	InvoiceNumber string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Campaign is the slice of a campaign row the retention sweeps touch.
type Campaign struct {
	ID                  uuid.UUID
	OwnerID             uuid.UUID
	GracePeriodEndsAt   *time.Time
	MarkedForDeletionAt *time.Time
}

func ptr[T any](v T) *T { return &v }
