package billing

import (
	"context"

	"github.com/google/uuid"
)

// Notifier delivers owner-facing notices. Calls are fire-and-forget from the
// engine's point of view: errors are logged and never change billing state.
type Notifier interface {
	PaymentSucceeded(ctx context.Context, ownerID, paymentID uuid.UUID) error
	PaymentFailed(ctx context.Context, ownerID, paymentID uuid.UUID, reason string) error
	TrialExpiring(ctx context.Context, ownerID uuid.UUID, daysLeft int) error
	SubscriptionExpiring(ctx context.Context, ownerID uuid.UUID, daysLeft int) error
	// Dunning sends the stage-th overdue reminder, starting at 1.
	Dunning(ctx context.Context, ownerID uuid.UUID, stage int) error
	SubscriptionExpired(ctx context.Context, ownerID uuid.UUID) error
}

// ReferralRewarder grants the referrer of an owner their reward. It must be
// idempotent on its side.
type ReferralRewarder interface {
	GrantReferralReward(ctx context.Context, ownerID uuid.UUID) error
}

// ConversionTracker advances promoter and trial-invite conversions once an
// owner pays.
type ConversionTracker interface {
	AdvanceConversion(ctx context.Context, ownerID uuid.UUID) error
}

type nopNotifier struct{}

func (nopNotifier) PaymentSucceeded(context.Context, uuid.UUID, uuid.UUID) error      { return nil }
func (nopNotifier) PaymentFailed(context.Context, uuid.UUID, uuid.UUID, string) error { return nil }
func (nopNotifier) TrialExpiring(context.Context, uuid.UUID, int) error               { return nil }
func (nopNotifier) SubscriptionExpiring(context.Context, uuid.UUID, int) error        { return nil }
func (nopNotifier) Dunning(context.Context, uuid.UUID, int) error                     { return nil }
func (nopNotifier) SubscriptionExpired(context.Context, uuid.UUID) error              { return nil }

type nopRewarder struct{}

func (nopRewarder) GrantReferralReward(context.Context, uuid.UUID) error { return nil }

type nopConversions struct{}

func (nopConversions) AdvanceConversion(context.Context, uuid.UUID) error { return nil }
