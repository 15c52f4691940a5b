// Package notify delivers billing notices to owners. A Sender receives one
// Event per notice; Notifier adapts any Sender to billing.Notifier.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/campaignbilling/pkg/logger"
	"github.com/dmitrymomot/campaignbilling/svc/billing"
)

// Kind names a notice.
type Kind string

const (
	KindPaymentSucceeded     Kind = "payment_succeeded"
	KindPaymentFailed        Kind = "payment_failed"
	KindTrialExpiring        Kind = "trial_expiring"
	KindSubscriptionExpiring Kind = "subscription_expiring"
	KindDunning              Kind = "dunning"
	KindSubscriptionExpired  Kind = "subscription_expired"

	// Kinds consumed by the referral and promoter services, not by owners.
	KindReferralReward     Kind = "referral_reward"
	KindConversionAdvanced Kind = "conversion_advanced"
)

// Event is one notice for an owner. Fields not used by the kind are zero.
type Event struct {
	ID        uuid.UUID  `json:"id"`
	Kind      Kind       `json:"kind"`
	OwnerID   uuid.UUID  `json:"owner_id"`
	PaymentID *uuid.UUID `json:"payment_id,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	DaysLeft  int        `json:"days_left,omitempty"`
	Stage     int        `json:"stage,omitempty"`
	At        time.Time  `json:"at"`
}

type Sender interface {
	Send(ctx context.Context, e Event) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, e Event) error

func (f SenderFunc) Send(ctx context.Context, e Event) error { return f(ctx, e) }

// Notifier turns billing callbacks into Events.
type Notifier struct {
	sender Sender
	now    func() time.Time
}

var _ billing.Notifier = (*Notifier)(nil)

func New(sender Sender) *Notifier {
	return &Notifier{sender: sender, now: time.Now}
}

func (n *Notifier) send(ctx context.Context, e Event) error {
	e.ID = uuid.New()
	e.At = n.now().UTC()
	return n.sender.Send(ctx, e)
}

func (n *Notifier) PaymentSucceeded(ctx context.Context, ownerID, paymentID uuid.UUID) error {
	return n.send(ctx, Event{Kind: KindPaymentSucceeded, OwnerID: ownerID, PaymentID: &paymentID})
}

func (n *Notifier) PaymentFailed(ctx context.Context, ownerID, paymentID uuid.UUID, reason string) error {
	return n.send(ctx, Event{Kind: KindPaymentFailed, OwnerID: ownerID, PaymentID: &paymentID, Reason: reason})
}

func (n *Notifier) TrialExpiring(ctx context.Context, ownerID uuid.UUID, daysLeft int) error {
	return n.send(ctx, Event{Kind: KindTrialExpiring, OwnerID: ownerID, DaysLeft: daysLeft})
}

func (n *Notifier) SubscriptionExpiring(ctx context.Context, ownerID uuid.UUID, daysLeft int) error {
	return n.send(ctx, Event{Kind: KindSubscriptionExpiring, OwnerID: ownerID, DaysLeft: daysLeft})
}

func (n *Notifier) Dunning(ctx context.Context, ownerID uuid.UUID, stage int) error {
	return n.send(ctx, Event{Kind: KindDunning, OwnerID: ownerID, Stage: stage})
}

func (n *Notifier) SubscriptionExpired(ctx context.Context, ownerID uuid.UUID) error {
	return n.send(ctx, Event{Kind: KindSubscriptionExpired, OwnerID: ownerID})
}

// Multi sends to every sender and joins their errors.
func Multi(senders ...Sender) Sender {
	return SenderFunc(func(ctx context.Context, e Event) error {
		var errs []error
		for _, s := range senders {
			if err := s.Send(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Log records every event at info level.
func Log(log *slog.Logger) Sender {
	log = log.With(logger.Component("notify"))
	return SenderFunc(func(ctx context.Context, e Event) error {
		attrs := []any{
			slog.String("kind", string(e.Kind)),
			logger.OwnerID(e.OwnerID),
		}
		if e.PaymentID != nil {
			attrs = append(attrs, logger.PaymentID(*e.PaymentID))
		}
		if e.Reason != "" {
			attrs = append(attrs, slog.String("reason", e.Reason))
		}
		if e.DaysLeft > 0 {
			attrs = append(attrs, slog.Int("days_left", e.DaysLeft))
		}
		if e.Stage > 0 {
			attrs = append(attrs, slog.Int("stage", e.Stage))
		}
		log.InfoContext(ctx, "billing notice", attrs...)
		return nil
	})
}
