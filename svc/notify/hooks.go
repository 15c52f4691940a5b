package notify

import (
	"context"

	"github.com/google/uuid"

	"github.com/dmitrymomot/campaignbilling/svc/billing"
)

// Hooks hands referral rewards and conversion progress to the services
// that own them. Send them to a publisher, never to Email.
type Hooks struct {
	n *Notifier
}

var (
	_ billing.ReferralRewarder  = (*Hooks)(nil)
	_ billing.ConversionTracker = (*Hooks)(nil)
)

func NewHooks(sender Sender) *Hooks {
	return &Hooks{n: New(sender)}
}

func (h *Hooks) GrantReferralReward(ctx context.Context, ownerID uuid.UUID) error {
	return h.n.send(ctx, Event{Kind: KindReferralReward, OwnerID: ownerID})
}

func (h *Hooks) AdvanceConversion(ctx context.Context, ownerID uuid.UUID) error {
	return h.n.send(ctx, Event{Kind: KindConversionAdvanced, OwnerID: ownerID})
}
