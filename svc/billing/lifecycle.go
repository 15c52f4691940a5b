package billing

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/campaignbilling/pkg/logger"
	"github.com/dmitrymomot/campaignbilling/pkg/statemachine"
)

type subscriptionEvent string

const (
	eventActivate subscriptionEvent = "activate"
	eventRenew    subscriptionEvent = "renew"
	eventPastDue  subscriptionEvent = "past_due"
	eventCancel   subscriptionEvent = "cancel"
	eventExpire   subscriptionEvent = "expire"
)

// Cancel reasons recorded by the engine itself.
const (
	CancelReasonUser   = "user_requested"
	CancelReasonRefund = "refund"
)

var subscriptionTransitions = statemachine.New(
	statemachine.WithTransitions([]SubscriptionStatus{StatusPending, StatusTrial, StatusPastDue}, eventActivate, StatusActive),
	statemachine.WithTransition(StatusActive, eventRenew, StatusActive),
	statemachine.WithTransition(StatusActive, eventPastDue, StatusPastDue),
	statemachine.WithTransitions(LiveStatuses, eventCancel, StatusCancelled),
	statemachine.WithTransitions([]SubscriptionStatus{StatusTrial, StatusActive, StatusPastDue}, eventExpire, StatusExpired),
	statemachine.WithTerminal[SubscriptionStatus, subscriptionEvent](StatusCancelled, StatusExpired),
)

// errUnchanged aborts a mutation that found nothing to do.
var errUnchanged = errors.New("billing: subscription unchanged")

// LifecycleManager owns every write to Subscription rows.
type LifecycleManager struct {
	store     Store
	plans     PlanStore
	notifier  Notifier
	retention CampaignRetention
	metrics   *Metrics
	policy    Policy
	log       *slog.Logger
	now       func() time.Time
}

func NewLifecycleManager(store Store, opts ...Option) *LifecycleManager {
	if store == nil {
		panic("billing: lifecycle store is required")
	}
	o := newOptions(opts)
	plans := o.plans
	if plans == nil {
		plans = store
	}
	return &LifecycleManager{
		store:     store,
		plans:     plans,
		notifier:  o.notifier,
		retention: o.retention,
		metrics:   o.metrics,
		policy:    o.policy,
		log:       o.log.With(logger.Component("lifecycle")),
		now:       o.now,
	}
}

// StartTrial opens the owner's one and only trial on the configured trial plan.
func (m *LifecycleManager) StartTrial(ctx context.Context, ownerID uuid.UUID) (Subscription, error) {
	plan, err := m.plans.GetPlanByCode(ctx, m.policy.TrialPlanCode)
	if err != nil {
		return Subscription{}, err
	}
	now := m.now()
	end := now.Add(days(m.policy.TrialDays))
	sub := Subscription{
		ID:                 uuid.New(),
		OwnerID:            ownerID,
		PlanID:             plan.ID,
		Status:             StatusTrial,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   end,
		TrialEndsAt:        ptr(end),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	trialUsed := &StateError{Entity: "owner", Status: "trial_used", Err: ErrTrialAlreadyUsed}
	err = m.store.Tx(ctx, func(ctx context.Context, q Queries) error {
		n, err := q.CountSubscriptions(ctx, ownerID)
		if err != nil {
			return err
		}
		if n > 0 {
			return trialUsed
		}
		if err := q.CreateSubscription(ctx, sub); err != nil {
			if errors.Is(err, ErrSubscriptionExists) {
				return trialUsed
			}
			return err
		}
		return nil
	})
	if err != nil {
		return Subscription{}, err
	}
	m.log.InfoContext(ctx, "trial started", logger.OwnerID(ownerID), logger.SubscriptionID(sub.ID))
	return sub, nil
}

// Subscribe creates a pending subscription that becomes active on its first
// completed payment.
func (m *LifecycleManager) Subscribe(ctx context.Context, ownerID, planID uuid.UUID) (Subscription, error) {
	plan, err := m.plans.GetPlan(ctx, planID)
	if err != nil {
		return Subscription{}, err
	}
	if !plan.Active {
		return Subscription{}, ErrPlanInactive
	}
	now := m.now()
	sub := Subscription{
		ID:                 uuid.New(),
		OwnerID:            ownerID,
		PlanID:             plan.ID,
		Status:             StatusPending,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now,
		AutoRenew:          true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	err = m.store.Tx(ctx, func(ctx context.Context, q Queries) error {
		cur, err := q.CurrentSubscription(ctx, ownerID)
		switch {
		case err == nil:
			return subscriptionStateError(cur.Status, ErrSubscriptionExists)
		case !errors.Is(err, ErrSubscriptionNotFound):
			return err
		}
		if err := q.CreateSubscription(ctx, sub); err != nil {
			if errors.Is(err, ErrSubscriptionExists) {
				return subscriptionStateError(StatusPending, ErrSubscriptionExists)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return Subscription{}, err
	}
	m.log.InfoContext(ctx, "subscription created", logger.OwnerID(ownerID), logger.SubscriptionID(sub.ID))
	return sub, nil
}

// Current returns the owner's live subscription.
func (m *LifecycleManager) Current(ctx context.Context, ownerID uuid.UUID) (Subscription, error) {
	return m.store.CurrentSubscription(ctx, ownerID)
}

func (m *LifecycleManager) Get(ctx context.Context, id uuid.UUID) (Subscription, error) {
	return m.store.GetSubscription(ctx, id)
}

// PlanChange describes an upgrade or downgrade.
type PlanChange struct {
	CurrentPlan          Plan
	NewPlan              Plan
	ProratedAmount       int64
	RemainingDays        int
	TotalDays            int
	EffectiveImmediately bool
	EffectiveAt          time.Time
}

var (
	upgradableFrom   = []SubscriptionStatus{StatusPending, StatusTrial, StatusActive}
	downgradableFrom = []SubscriptionStatus{StatusTrial, StatusActive}
)

func (m *LifecycleManager) PreviewUpgrade(ctx context.Context, ownerID, newPlanID uuid.UUID) (PlanChange, error) {
	sub, err := m.store.CurrentSubscription(ctx, ownerID)
	if err != nil {
		return PlanChange{}, err
	}
	return m.planUpgrade(ctx, sub, newPlanID)
}

// Upgrade swaps the plan in place. The prorated amount is informational;
// charging it is up to the caller.
func (m *LifecycleManager) Upgrade(ctx context.Context, ownerID, newPlanID uuid.UUID) (Subscription, PlanChange, error) {
	var change PlanChange
	sub, err := m.mutateCurrent(ctx, ownerID, func(ctx context.Context, s *Subscription) error {
		c, err := m.planUpgrade(ctx, *s, newPlanID)
		if err != nil {
			return err
		}
		change = c
		s.PlanID = c.NewPlan.ID
		s.PendingPlanID = nil
		return nil
	})
	if err != nil {
		return Subscription{}, PlanChange{}, err
	}
	m.log.InfoContext(ctx, "subscription upgraded",
		logger.SubscriptionID(sub.ID), slog.String("plan", change.NewPlan.Code), slog.Int64("prorated", change.ProratedAmount))
	return sub, change, nil
}

func (m *LifecycleManager) planUpgrade(ctx context.Context, s Subscription, newPlanID uuid.UUID) (PlanChange, error) {
	if !slices.Contains(upgradableFrom, s.Status) {
		return PlanChange{}, subscriptionStateError(s.Status, ErrTransitionNotAllowed)
	}
	cur, next, err := m.planPair(ctx, s.PlanID, newPlanID)
	if err != nil {
		return PlanChange{}, err
	}
	if next.Price <= cur.Price {
		return PlanChange{}, ErrNotUpgrade
	}
	now := m.now()
	p := Prorate(now, s.CurrentPeriodStart, s.CurrentPeriodEnd, cur.Price, next.Price)
	return PlanChange{
		CurrentPlan:          cur,
		NewPlan:              next,
		ProratedAmount:       p.Amount,
		RemainingDays:        p.RemainingDays,
		TotalDays:            p.TotalDays,
		EffectiveImmediately: true,
		EffectiveAt:          now,
	}, nil
}

func (m *LifecycleManager) PreviewDowngrade(ctx context.Context, ownerID, newPlanID uuid.UUID) (PlanChange, error) {
	sub, err := m.store.CurrentSubscription(ctx, ownerID)
	if err != nil {
		return PlanChange{}, err
	}
	return m.planDowngrade(ctx, sub, newPlanID)
}

// Downgrade schedules newPlanID for the next period boundary.
func (m *LifecycleManager) Downgrade(ctx context.Context, ownerID, newPlanID uuid.UUID) (Subscription, PlanChange, error) {
	var change PlanChange
	sub, err := m.mutateCurrent(ctx, ownerID, func(ctx context.Context, s *Subscription) error {
		c, err := m.planDowngrade(ctx, *s, newPlanID)
		if err != nil {
			return err
		}
		change = c
		s.PendingPlanID = ptr(c.NewPlan.ID)
		return nil
	})
	if err != nil {
		return Subscription{}, PlanChange{}, err
	}
	m.log.InfoContext(ctx, "subscription downgrade scheduled",
		logger.SubscriptionID(sub.ID), slog.String("plan", change.NewPlan.Code), slog.Time("effective_at", change.EffectiveAt))
	return sub, change, nil
}

func (m *LifecycleManager) planDowngrade(ctx context.Context, s Subscription, newPlanID uuid.UUID) (PlanChange, error) {
	if !slices.Contains(downgradableFrom, s.Status) {
		return PlanChange{}, subscriptionStateError(s.Status, ErrTransitionNotAllowed)
	}
	cur, next, err := m.planPair(ctx, s.PlanID, newPlanID)
	if err != nil {
		return PlanChange{}, err
	}
	if next.Price >= cur.Price {
		return PlanChange{}, ErrNotDowngrade
	}
	return PlanChange{
		CurrentPlan: cur,
		NewPlan:     next,
		EffectiveAt: s.CurrentPeriodEnd,
	}, nil
}

func (m *LifecycleManager) planPair(ctx context.Context, curID, nextID uuid.UUID) (Plan, Plan, error) {
	if curID == nextID {
		return Plan{}, Plan{}, ErrSamePlan
	}
	cur, err := m.plans.GetPlan(ctx, curID)
	if err != nil {
		return Plan{}, Plan{}, err
	}
	next, err := m.plans.GetPlan(ctx, nextID)
	if err != nil {
		return Plan{}, Plan{}, err
	}
	if !next.Active {
		return Plan{}, Plan{}, ErrPlanInactive
	}
	return cur, next, nil
}

// CancelDowngrade clears a scheduled downgrade.
func (m *LifecycleManager) CancelDowngrade(ctx context.Context, ownerID uuid.UUID) (Subscription, error) {
	return m.mutateCurrent(ctx, ownerID, func(_ context.Context, s *Subscription) error {
		if s.PendingPlanID == nil {
			return subscriptionStateError(s.Status, ErrNoPendingDowngrade)
		}
		s.PendingPlanID = nil
		return nil
	})
}

// Activate makes the subscription active after a completed payment. It is a
// no-op for subscriptions that are already active. A past-due subscription
// resumes from the end of its unpaid period.
func (m *LifecycleManager) Activate(ctx context.Context, id uuid.UUID) (Subscription, error) {
	return m.mutate(ctx, id, func(ctx context.Context, s *Subscription) error {
		if s.Status == StatusActive {
			return errUnchanged
		}
		to, err := m.next(s.Status, eventActivate)
		if err != nil {
			return err
		}
		start := m.now()
		if s.Status == StatusPastDue {
			start = s.CurrentPeriodEnd
		}
		if err := m.startPeriod(ctx, s, start); err != nil {
			return err
		}
		s.Status = to
		s.TrialEndsAt = nil
		return nil
	})
}

// Renew extends an active subscription by one period from its current end.
func (m *LifecycleManager) Renew(ctx context.Context, id uuid.UUID) (Subscription, error) {
	return m.mutate(ctx, id, func(ctx context.Context, s *Subscription) error {
		to, err := m.next(s.Status, eventRenew)
		if err != nil {
			return err
		}
		if err := m.startPeriod(ctx, s, s.CurrentPeriodEnd); err != nil {
			return err
		}
		s.Status = to
		return nil
	})
}

// startPeriod begins a billing period at start on the pending plan, if any.
func (m *LifecycleManager) startPeriod(ctx context.Context, s *Subscription, start time.Time) error {
	planID := s.PlanID
	if s.PendingPlanID != nil {
		planID = *s.PendingPlanID
	}
	plan, err := m.plans.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	s.PlanID = plan.ID
	s.PendingPlanID = nil
	s.CurrentPeriodStart = start
	s.CurrentPeriodEnd = plan.Interval.AddTo(start)
	s.LastNotice = ""
	return nil
}

// MarkPastDue records a failed renewal.
func (m *LifecycleManager) MarkPastDue(ctx context.Context, id uuid.UUID) (Subscription, error) {
	return m.mutate(ctx, id, func(_ context.Context, s *Subscription) error {
		to, err := m.next(s.Status, eventPastDue)
		if err != nil {
			return err
		}
		s.Status = to
		s.LastNotice = ""
		return nil
	})
}

// Cancel ends the owner's live subscription. Payments are not touched.
func (m *LifecycleManager) Cancel(ctx context.Context, ownerID uuid.UUID, reason string) (Subscription, error) {
	sub, err := m.mutateCurrent(ctx, ownerID, func(_ context.Context, s *Subscription) error {
		return m.cancel(s, reason)
	})
	if err != nil {
		return Subscription{}, err
	}
	m.log.InfoContext(ctx, "subscription cancelled", logger.SubscriptionID(sub.ID), slog.String("reason", sub.CancelReason))
	return sub, nil
}

// Terminate cancels a subscription by id. Already terminal subscriptions
// are returned unchanged.
func (m *LifecycleManager) Terminate(ctx context.Context, id uuid.UUID, reason string) (Subscription, error) {
	return m.mutate(ctx, id, func(_ context.Context, s *Subscription) error {
		if s.Status.IsTerminal() {
			return errUnchanged
		}
		return m.cancel(s, reason)
	})
}

func (m *LifecycleManager) cancel(s *Subscription, reason string) error {
	to, err := m.next(s.Status, eventCancel)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = CancelReasonUser
	}
	s.Status = to
	s.CancelledAt = ptr(m.now())
	s.CancelReason = reason
	s.AutoRenew = false
	s.PendingPlanID = nil
	return nil
}

// SetAutoRenew toggles renewal on the owner's live subscription.
func (m *LifecycleManager) SetAutoRenew(ctx context.Context, ownerID uuid.UUID, on bool) (Subscription, error) {
	return m.mutateCurrent(ctx, ownerID, func(_ context.Context, s *Subscription) error {
		if s.AutoRenew == on {
			return errUnchanged
		}
		s.AutoRenew = on
		s.LastNotice = ""
		return nil
	})
}

// SetCustomPrice replaces the plan price for a subscription. A nil price
// clears the override.
func (m *LifecycleManager) SetCustomPrice(ctx context.Context, id uuid.UUID, price *int64, adj PriceAdjustment) (Subscription, error) {
	if price != nil && *price < 0 {
		return Subscription{}, ErrInvalidAmount
	}
	return m.mutate(ctx, id, func(_ context.Context, s *Subscription) error {
		if s.Status.IsTerminal() {
			return subscriptionStateError(s.Status, ErrTransitionNotAllowed)
		}
		if price != nil && s.PriceDelta != nil {
			return ErrPriceOverrideConflict
		}
		s.CustomPrice = price
		m.stampAdjustment(s, adj)
		return nil
	})
}

// SetPriceAdjustment adds delta to the plan price for a subscription. A nil
// delta clears the adjustment.
func (m *LifecycleManager) SetPriceAdjustment(ctx context.Context, id uuid.UUID, delta *int64, adj PriceAdjustment) (Subscription, error) {
	return m.mutate(ctx, id, func(_ context.Context, s *Subscription) error {
		if s.Status.IsTerminal() {
			return subscriptionStateError(s.Status, ErrTransitionNotAllowed)
		}
		if delta != nil && s.CustomPrice != nil {
			return ErrPriceOverrideConflict
		}
		s.PriceDelta = delta
		m.stampAdjustment(s, adj)
		return nil
	})
}

func (m *LifecycleManager) stampAdjustment(s *Subscription, adj PriceAdjustment) {
	if s.CustomPrice == nil && s.PriceDelta == nil {
		s.Adjustment = nil
		return
	}
	adj.AdjustedAt = m.now()
	s.Adjustment = &adj
}

func (m *LifecycleManager) next(from SubscriptionStatus, ev subscriptionEvent) (SubscriptionStatus, error) {
	to, err := subscriptionTransitions.Next(from, ev)
	if err != nil {
		return from, subscriptionStateError(from, errors.Join(ErrTransitionNotAllowed, err))
	}
	return to, nil
}

type mutation func(ctx context.Context, s *Subscription) error

// mutate re-reads the subscription inside a transaction, applies fn and
// writes it back conditionally on the status it was read with.
func (m *LifecycleManager) mutate(ctx context.Context, id uuid.UUID, fn mutation) (Subscription, error) {
	return m.apply(ctx, func(ctx context.Context, q Queries) (Subscription, error) {
		return q.GetSubscription(ctx, id)
	}, fn)
}

func (m *LifecycleManager) mutateCurrent(ctx context.Context, ownerID uuid.UUID, fn mutation) (Subscription, error) {
	return m.apply(ctx, func(ctx context.Context, q Queries) (Subscription, error) {
		return q.CurrentSubscription(ctx, ownerID)
	}, fn)
}

func (m *LifecycleManager) apply(ctx context.Context, load func(context.Context, Queries) (Subscription, error), fn mutation) (Subscription, error) {
	var (
		sub  Subscription
		from SubscriptionStatus
	)
	err := m.store.Tx(ctx, func(ctx context.Context, q Queries) error {
		s, err := load(ctx, q)
		if err != nil {
			return err
		}
		sub, from = s, s.Status
		if err := fn(ctx, &s); err != nil {
			return err
		}
		s.UpdatedAt = m.now()
		if err := q.UpdateSubscription(ctx, s, from); err != nil {
			if errors.Is(err, ErrStaleSubscription) {
				return subscriptionStateError(from, ErrStaleSubscription)
			}
			return err
		}
		sub = s
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return sub, nil
	}
	if err != nil {
		return Subscription{}, err
	}
	if from != sub.Status {
		m.metrics.transition(from, sub.Status)
		m.log.InfoContext(ctx, "subscription status changed",
			logger.SubscriptionID(sub.ID), slog.String("from", string(from)), logger.Status(string(sub.Status)))
	}
	return sub, nil
}
