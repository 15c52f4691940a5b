package billing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/dmitrymomot/campaignbilling/pkg/logger"
)

// Sweep names, also used as scheduler job names.
const (
	SweepExpire    = "expire"
	SweepDeletion  = "deletion"
	SweepDunning   = "dunning"
	SweepReminders = "reminders"
)

// SweepResult reports how many subscriptions or campaigns a sweep changed or
// notified. Errors of individual rows are joined into the returned error
// and do not stop the sweep.
type SweepResult struct {
	Sweep    string
	Affected int
}

// Sweeps maps sweep names to their functions.
func (m *LifecycleManager) Sweeps() map[string]func(context.Context) (SweepResult, error) {
	return map[string]func(context.Context) (SweepResult, error){
		SweepExpire:    m.ExpireSweep,
		SweepDeletion:  m.DeletionMarkingSweep,
		SweepDunning:   m.DunningSweep,
		SweepReminders: m.ReminderSweep,
	}
}

func (m *LifecycleManager) runSweep(ctx context.Context, name string, fn func(ctx context.Context, now time.Time) (int, error)) (res SweepResult, err error) {
	ctx, span := startSpan(ctx, "billing.sweep", attribute.String(attrSweep, name))
	defer func() { endSpan(span, err) }()

	started := m.now()
	affected, err := fn(ctx, started)
	m.metrics.sweep(name, affected, err)
	log := m.log.With(logger.Job(name), logger.Count(affected), logger.Duration(time.Since(started)))
	if err != nil {
		log.ErrorContext(ctx, "sweep finished with errors", logger.Error(err))
	} else {
		log.InfoContext(ctx, "sweep finished")
	}
	return SweepResult{Sweep: name, Affected: affected}, err
}

// ExpireSweep expires trial and active subscriptions whose period ended,
// applies scheduled downgrades to them and stages their campaigns' grace
// period.
func (m *LifecycleManager) ExpireSweep(ctx context.Context) (SweepResult, error) {
	return m.runSweep(ctx, SweepExpire, func(ctx context.Context, now time.Time) (int, error) {
		expired, err := m.store.ExpireSubscriptions(ctx, []SubscriptionStatus{StatusTrial, StatusActive}, now, now)
		if err != nil {
			return 0, err
		}
		var errs []error
		for _, s := range expired {
			if err := m.stageGrace(ctx, s, now); err != nil {
				errs = append(errs, err)
			}
			isolate(ctx, m.log, "subscription_expired", func(ctx context.Context) error {
				return m.notifier.SubscriptionExpired(ctx, s.OwnerID)
			}, logger.SubscriptionID(s.ID))
		}
		return len(expired), errors.Join(errs...)
	})
}

func (m *LifecycleManager) stageGrace(ctx context.Context, s Subscription, now time.Time) error {
	if m.retention == nil {
		return nil
	}
	n, err := m.retention.StageGracePeriod(ctx, s.OwnerID, now.Add(days(m.policy.GracePeriodDays)))
	if err != nil {
		return fmt.Errorf("stage grace period for owner %s: %w", s.OwnerID, err)
	}
	if n > 0 {
		m.log.InfoContext(ctx, "campaign grace period staged", logger.OwnerID(s.OwnerID), logger.Count(n))
	}
	return nil
}

// DeletionMarkingSweep flags campaigns whose grace period has elapsed.
func (m *LifecycleManager) DeletionMarkingSweep(ctx context.Context) (SweepResult, error) {
	return m.runSweep(ctx, SweepDeletion, func(ctx context.Context, now time.Time) (int, error) {
		if m.retention == nil {
			return 0, nil
		}
		return m.retention.MarkForDeletion(ctx, now)
	})
}

// DunningSweep reminds past-due owners at the configured day thresholds and
// expires subscriptions overdue for DunningExpireDays or more.
func (m *LifecycleManager) DunningSweep(ctx context.Context) (SweepResult, error) {
	return m.runSweep(ctx, SweepDunning, func(ctx context.Context, now time.Time) (int, error) {
		subs, err := m.store.ListSubscriptions(ctx, SubscriptionFilter{Statuses: []SubscriptionStatus{StatusPastDue}})
		if err != nil {
			return 0, err
		}
		thresholds := slices.Sorted(slices.Values(m.policy.DunningReminderDays))
		affected := 0
		var errs []error
		for _, s := range subs {
			overdue := floorDays(now.Sub(s.CurrentPeriodEnd))
			if overdue >= m.policy.DunningExpireDays {
				ok, err := m.expireOverdue(ctx, s, now)
				if err != nil {
					errs = append(errs, err)
				}
				if ok {
					affected++
				}
				continue
			}
			stage := 0
			for i, t := range thresholds {
				if t <= overdue {
					stage = i + 1
				}
			}
			if stage == 0 {
				continue
			}
			key := noticeKey("dunning", thresholds[stage-1], s.CurrentPeriodEnd)
			sent, err := m.sendOnce(ctx, s, key, func(ctx context.Context) error {
				return m.notifier.Dunning(ctx, s.OwnerID, stage)
			})
			if err != nil {
				errs = append(errs, err)
			}
			if sent {
				affected++
			}
		}
		return affected, errors.Join(errs...)
	})
}

// expireOverdue force-expires a past-due subscription. The final notice is
// sent only by the caller that performed the transition.
func (m *LifecycleManager) expireOverdue(ctx context.Context, s Subscription, now time.Time) (bool, error) {
	sub, err := m.mutate(ctx, s.ID, func(_ context.Context, cur *Subscription) error {
		to, err := m.next(cur.Status, eventExpire)
		if err != nil {
			return err
		}
		if cur.Status != StatusPastDue {
			return errUnchanged
		}
		cur.Status = to
		cur.PendingPlanID = nil
		return nil
	})
	if errors.Is(err, ErrInvalidState) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sub.Status != StatusExpired {
		return false, nil
	}
	isolate(ctx, m.log, "subscription_expired", func(ctx context.Context) error {
		return m.notifier.SubscriptionExpired(ctx, sub.OwnerID)
	}, logger.SubscriptionID(sub.ID))
	return true, m.stageGrace(ctx, sub, now)
}

// ReminderSweep warns trial owners and non-renewing active owners that
// their period is about to end.
func (m *LifecycleManager) ReminderSweep(ctx context.Context) (SweepResult, error) {
	return m.runSweep(ctx, SweepReminders, func(ctx context.Context, now time.Time) (int, error) {
		subs, err := m.store.ListSubscriptions(ctx, SubscriptionFilter{
			Statuses:       []SubscriptionStatus{StatusTrial, StatusActive},
			PeriodEndAfter: now,
		})
		if err != nil {
			return 0, err
		}
		affected := 0
		var errs []error
		for _, s := range subs {
			var (
				kind       string
				thresholds []int
				send       func(ctx context.Context, daysLeft int) error
			)
			switch {
			case s.Status == StatusTrial:
				kind, thresholds = "trial", m.policy.TrialReminderDays
				send = func(ctx context.Context, n int) error { return m.notifier.TrialExpiring(ctx, s.OwnerID, n) }
			case s.Status == StatusActive && !s.AutoRenew:
				kind, thresholds = "renewal", m.policy.RenewalReminderDays
				send = func(ctx context.Context, n int) error { return m.notifier.SubscriptionExpiring(ctx, s.OwnerID, n) }
			default:
				continue
			}
			end := s.CurrentPeriodEnd
			if s.Status == StatusTrial && s.TrialEndsAt != nil {
				end = *s.TrialEndsAt
			}
			daysLeft := ceilDays(end.Sub(now))
			threshold, ok := nearestAtLeast(thresholds, daysLeft)
			if daysLeft <= 0 || !ok {
				continue
			}
			sent, err := m.sendOnce(ctx, s, noticeKey(kind, threshold, end), func(ctx context.Context) error {
				return send(ctx, daysLeft)
			})
			if err != nil {
				errs = append(errs, err)
			}
			if sent {
				affected++
			}
		}
		return affected, errors.Join(errs...)
	})
}

// sendOnce claims key on the subscription and sends only if the claim won,
// so a notice goes out at most once however often the sweep runs.
func (m *LifecycleManager) sendOnce(ctx context.Context, s Subscription, key string, send func(ctx context.Context) error) (bool, error) {
	if s.LastNotice == key {
		return false, nil
	}
	claimed, err := m.store.ClaimNotice(ctx, s.ID, s.LastNotice, key)
	if err != nil {
		return false, fmt.Errorf("claim notice %s for subscription %s: %w", key, s.ID, err)
	}
	if !claimed {
		return false, nil
	}
	isolate(ctx, m.log, key, send, logger.SubscriptionID(s.ID), logger.OwnerID(s.OwnerID))
	return true, nil
}

func noticeKey(kind string, threshold int, periodEnd time.Time) string {
	return fmt.Sprintf("%s:%d:%d", kind, threshold, periodEnd.Unix())
}

// nearestAtLeast returns the smallest threshold >= n.
func nearestAtLeast(thresholds []int, n int) (int, bool) {
	best, found := 0, false
	for _, t := range thresholds {
		if t >= n && (!found || t < best) {
			best, found = t, true
		}
	}
	return best, found
}
