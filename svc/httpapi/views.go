package httpapi

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/campaignbilling/svc/billing"
)

type planView struct {
	ID       uuid.UUID `json:"id"`
	Code     string    `json:"code"`
	Name     string    `json:"name"`
	Price    int64     `json:"price"`
	Currency string    `json:"currency"`
	Interval string    `json:"interval"`
	Tier     string    `json:"tier,omitempty"`
	Category string    `json:"category,omitempty"`
}

func newPlanView(p billing.Plan) planView {
	return planView{
		ID:       p.ID,
		Code:     p.Code,
		Name:     p.Name,
		Price:    p.Price,
		Currency: p.Currency,
		Interval: string(p.Interval),
		Tier:     p.Tier,
		Category: p.Category,
	}
}

type adjustmentView struct {
	Reason     string    `json:"reason"`
	AdjustedBy string    `json:"adjustedBy"`
	AdjustedAt time.Time `json:"adjustedAt"`
}

type subscriptionView struct {
	ID                 uuid.UUID       `json:"id"`
	OwnerID            uuid.UUID       `json:"ownerId"`
	PlanID             uuid.UUID       `json:"planId"`
	PendingPlanID      *uuid.UUID      `json:"pendingPlanId,omitempty"`
	Status             string          `json:"status"`
	CurrentPeriodStart time.Time       `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time       `json:"currentPeriodEnd"`
	TrialEndsAt        *time.Time      `json:"trialEndsAt,omitempty"`
	CancelledAt        *time.Time      `json:"cancelledAt,omitempty"`
	CancelReason       string          `json:"cancelReason,omitempty"`
	AutoRenew          bool            `json:"autoRenew"`
	CustomPrice        *int64          `json:"customPrice,omitempty"`
	PriceDelta         *int64          `json:"priceDelta,omitempty"`
	Adjustment         *adjustmentView `json:"adjustment,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
}

func newSubscriptionView(s billing.Subscription) subscriptionView {
	v := subscriptionView{
		ID:                 s.ID,
		OwnerID:            s.OwnerID,
		PlanID:             s.PlanID,
		PendingPlanID:      s.PendingPlanID,
		Status:             string(s.Status),
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		TrialEndsAt:        s.TrialEndsAt,
		CancelledAt:        s.CancelledAt,
		CancelReason:       s.CancelReason,
		AutoRenew:          s.AutoRenew,
		CustomPrice:        s.CustomPrice,
		PriceDelta:         s.PriceDelta,
		CreatedAt:          s.CreatedAt,
	}
	if s.Adjustment != nil {
		v.Adjustment = &adjustmentView{
			Reason:     s.Adjustment.Reason,
			AdjustedBy: s.Adjustment.AdjustedBy,
			AdjustedAt: s.Adjustment.AdjustedAt,
		}
	}
	return v
}

// paymentView omits the raw provider payload.
type paymentView struct {
	ID                uuid.UUID  `json:"id"`
	SubscriptionID    uuid.UUID  `json:"subscriptionId"`
	OrderRef          string     `json:"orderRef"`
	Amount            int64      `json:"amount"`
	OriginalAmount    *int64     `json:"originalAmount,omitempty"`
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	Provider          string     `json:"provider"`
	ProviderPaymentID string     `json:"providerPaymentId,omitempty"`
	PaidAt            *time.Time `json:"paidAt,omitempty"`
	FailedAt          *time.Time `json:"failedAt,omitempty"`
	RefundedAt        *time.Time `json:"refundedAt,omitempty"`
	FailureReason     string     `json:"failureReason,omitempty"`
	RefundAmount      int64      `json:"refundAmount,omitempty"`
	InvoiceNumber     string     `json:"invoiceNumber,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

func newPaymentView(p billing.Payment) paymentView {
	return paymentView{
		ID:                p.ID,
		SubscriptionID:    p.SubscriptionID,
		OrderRef:          p.OrderRef,
		Amount:            p.Amount,
		OriginalAmount:    p.OriginalAmount,
		Currency:          p.Currency,
		Status:            string(p.Status),
		Provider:          string(p.Provider),
		ProviderPaymentID: p.ProviderPaymentID,
		PaidAt:            p.PaidAt,
		FailedAt:          p.FailedAt,
		RefundedAt:        p.RefundedAt,
		FailureReason:     p.FailureReason,
		RefundAmount:      p.RefundAmount,
		InvoiceNumber:     p.InvoiceNumber,
		CreatedAt:         p.CreatedAt,
	}
}

// checkoutView tells the client where to pay: redirect to PaymentURL, or
// auto-submit FormData to it when present.
type checkoutView struct {
	PaymentID  uuid.UUID         `json:"paymentId"`
	PaymentURL string            `json:"paymentUrl,omitempty"`
	FormData   map[string]string `json:"formData,omitempty"`
	Payment    paymentView       `json:"payment"`
}

type planChangeView struct {
	CurrentPlan          planView  `json:"currentPlan"`
	NewPlan              planView  `json:"newPlan"`
	ProratedAmount       int64     `json:"proratedAmount"`
	RemainingDays        int       `json:"remainingDays"`
	TotalDays            int       `json:"totalDays"`
	EffectiveImmediately bool      `json:"effectiveImmediately"`
	EffectiveAt          time.Time `json:"effectiveAt"`
}

func newPlanChangeView(c billing.PlanChange) planChangeView {
	return planChangeView{
		CurrentPlan:          newPlanView(c.CurrentPlan),
		NewPlan:              newPlanView(c.NewPlan),
		ProratedAmount:       c.ProratedAmount,
		RemainingDays:        c.RemainingDays,
		TotalDays:            c.TotalDays,
		EffectiveImmediately: c.EffectiveImmediately,
		EffectiveAt:          c.EffectiveAt,
	}
}

type planChangeResult struct {
	Subscription subscriptionView `json:"subscription"`
	Change       planChangeView   `json:"change"`
}

type contactView struct {
	Email string `json:"email"`
}
