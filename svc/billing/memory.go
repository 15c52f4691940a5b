package billing

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store and CampaignRetention for tests and
// single-node development. Tx serializes transactions with a mutex, which
// gives the same guarantees as serializable isolation.
type MemoryStore struct {
	txMu sync.Mutex

	mu            sync.RWMutex
	plans         map[uuid.UUID]Plan
	subscriptions map[uuid.UUID]Subscription
	payments      map[uuid.UUID]Payment
	campaigns     map[uuid.UUID]Campaign
}

func NewMemoryStore(plans ...Plan) *MemoryStore {
	m := &MemoryStore{
		plans:         make(map[uuid.UUID]Plan),
		subscriptions: make(map[uuid.UUID]Subscription),
		payments:      make(map[uuid.UUID]Payment),
		campaigns:     make(map[uuid.UUID]Campaign),
	}
	for _, p := range plans {
		m.plans[p.ID] = p
	}
	return m
}

func (m *MemoryStore) Tx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, memTx{m})
}

// memTx is the view a transaction works on. Its writers skip txMu, which
// the transaction already holds.
type memTx struct {
	*MemoryStore
}

func (t memTx) ExpireSubscriptions(_ context.Context, statuses []SubscriptionStatus, cutoff, now time.Time) ([]Subscription, error) {
	return t.expireSubscriptions(statuses, cutoff, now), nil
}

func (t memTx) ClaimNotice(_ context.Context, id uuid.UUID, prev, next string) (bool, error) {
	return t.claimNotice(id, prev, next)
}

// AddPlan inserts or replaces a catalog plan.
func (m *MemoryStore) AddPlan(p Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = p
}

// AddCampaign inserts or replaces a campaign row.
func (m *MemoryStore) AddCampaign(c Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = c
}

func (m *MemoryStore) Campaign(id uuid.UUID) (Campaign, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.campaigns[id]
	return c, ok
}

func (m *MemoryStore) GetPlan(_ context.Context, id uuid.UUID) (Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return p, nil
}

func (m *MemoryStore) GetPlanByCode(_ context.Context, code string) (Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.plans {
		if p.Code == code {
			return p, nil
		}
	}
	return Plan{}, ErrPlanNotFound
}

func (m *MemoryStore) ListPlans(context.Context) ([]Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Plan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Plan) int {
		return cmp.Or(cmp.Compare(a.Price, b.Price), cmp.Compare(a.Code, b.Code))
	})
	return out, nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id uuid.UUID) (Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return Subscription{}, ErrSubscriptionNotFound
	}
	return s, nil
}

func (m *MemoryStore) CurrentSubscription(_ context.Context, ownerID uuid.UUID) (Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.liveSubscription(ownerID); ok {
		return s, nil
	}
	return Subscription{}, ErrSubscriptionNotFound
}

func (m *MemoryStore) liveSubscription(ownerID uuid.UUID) (Subscription, bool) {
	for _, s := range m.subscriptions {
		if s.OwnerID == ownerID && !s.Status.IsTerminal() {
			return s, true
		}
	}
	return Subscription{}, false
}

func (m *MemoryStore) CountSubscriptions(_ context.Context, ownerID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.subscriptions {
		if s.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListSubscriptions(_ context.Context, f SubscriptionFilter) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Subscription
	for _, s := range m.subscriptions {
		if f.matches(s) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b Subscription) int { return a.CurrentPeriodEnd.Compare(b.CurrentPeriodEnd) })
	return out, nil
}

func (f SubscriptionFilter) matches(s Subscription) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, s.Status) {
		return false
	}
	if !f.PeriodEndBefore.IsZero() && !s.CurrentPeriodEnd.Before(f.PeriodEndBefore) {
		return false
	}
	if !f.PeriodEndAfter.IsZero() && !s.CurrentPeriodEnd.After(f.PeriodEndAfter) {
		return false
	}
	return true
}

func (m *MemoryStore) CreateSubscription(_ context.Context, s Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.Status.IsTerminal() {
		if _, ok := m.liveSubscription(s.OwnerID); ok {
			return ErrSubscriptionExists
		}
	}
	m.subscriptions[s.ID] = s
	return nil
}

func (m *MemoryStore) UpdateSubscription(_ context.Context, s Subscription, from SubscriptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subscriptions[s.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if cur.Status != from {
		return ErrStaleSubscription
	}
	m.subscriptions[s.ID] = s
	return nil
}

// ExpireSubscriptions runs as its own transaction.
func (m *MemoryStore) ExpireSubscriptions(_ context.Context, statuses []SubscriptionStatus, cutoff, now time.Time) ([]Subscription, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.expireSubscriptions(statuses, cutoff, now), nil
}

func (m *MemoryStore) expireSubscriptions(statuses []SubscriptionStatus, cutoff, now time.Time) []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for id, s := range m.subscriptions {
		if !slices.Contains(statuses, s.Status) || !s.CurrentPeriodEnd.Before(cutoff) {
			continue
		}
		s.Status = StatusExpired
		if s.PendingPlanID != nil {
			s.PlanID = *s.PendingPlanID
			s.PendingPlanID = nil
		}
		s.UpdatedAt = now
		m.subscriptions[id] = s
		out = append(out, s)
	}
	return out
}

// ClaimNotice runs as its own transaction, so a transaction that read the
// subscription cannot write back a stale LastNotice over the claim.
func (m *MemoryStore) ClaimNotice(_ context.Context, id uuid.UUID, prev, next string) (bool, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.claimNotice(id, prev, next)
}

func (m *MemoryStore) claimNotice(id uuid.UUID, prev, next string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return false, ErrSubscriptionNotFound
	}
	if s.LastNotice != prev {
		return false, nil
	}
	s.LastNotice = next
	m.subscriptions[id] = s
	return true, nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id uuid.UUID) (Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	return p, nil
}

func (m *MemoryStore) GetPaymentByOrderRef(_ context.Context, orderRef string) (Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.OrderRef == orderRef {
			return p, nil
		}
	}
	return Payment{}, ErrPaymentNotFound
}

func (m *MemoryStore) InFlightPayment(_ context.Context, subscriptionID uuid.UUID) (Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.inFlight(subscriptionID); ok {
		return p, nil
	}
	return Payment{}, ErrPaymentNotFound
}

func (m *MemoryStore) inFlight(subscriptionID uuid.UUID) (Payment, bool) {
	for _, p := range m.payments {
		if p.SubscriptionID == subscriptionID && p.Status.IsInFlight() {
			return p, true
		}
	}
	return Payment{}, false
}

func (m *MemoryStore) CreatePayment(_ context.Context, p Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Status.IsInFlight() {
		if _, ok := m.inFlight(p.SubscriptionID); ok {
			return ErrPaymentInFlight
		}
	}
	m.payments[p.ID] = p
	return nil
}

func (m *MemoryStore) TransitionPayment(_ context.Context, id uuid.UUID, from []PaymentStatus, u PaymentUpdate) (Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return Payment{}, ErrPaymentNotFound
	}
	if !slices.Contains(from, p.Status) {
		return p, ErrStalePayment
	}
	p = u.apply(p)
	m.payments[id] = p
	return p, nil
}

// apply copies the non-empty fields of u onto p.
func (u PaymentUpdate) apply(p Payment) Payment {
	p.Status = u.Status
	if u.ProviderPaymentID != "" {
		p.ProviderPaymentID = u.ProviderPaymentID
	}
	if len(u.ProviderData) > 0 {
		p.ProviderData = u.ProviderData
	}
	if u.PaidAt != nil {
		p.PaidAt = u.PaidAt
	}
	if u.FailedAt != nil {
		p.FailedAt = u.FailedAt
	}
	if u.RefundedAt != nil {
		p.RefundedAt = u.RefundedAt
	}
	if u.FailureReason != "" {
		p.FailureReason = u.FailureReason
	}
	if u.RefundAmount != 0 {
		p.RefundAmount = u.RefundAmount
	}
	p.UpdatedAt = u.At
	return p
}

func (m *MemoryStore) ListPayments(_ context.Context, ownerID uuid.UUID, limit, offset int) ([]Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Payment
	for _, p := range m.payments {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b Payment) int {
		return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(a.OrderRef, b.OrderRef))
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountCompletedPayments(_ context.Context, ownerID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, p := range m.payments {
		if p.OwnerID == ownerID && p.Status == PaymentCompleted {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) StageGracePeriod(_ context.Context, ownerID uuid.UUID, deadline time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.campaigns {
		if c.OwnerID == ownerID && c.GracePeriodEndsAt == nil {
			c.GracePeriodEndsAt = ptr(deadline)
			m.campaigns[id] = c
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) MarkForDeletion(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, c := range m.campaigns {
		if c.GracePeriodEndsAt != nil && c.GracePeriodEndsAt.Before(now) && c.MarkedForDeletionAt == nil {
			c.MarkedForDeletionAt = ptr(now)
			m.campaigns[id] = c
			n++
		}
	}
	return n, nil
}
