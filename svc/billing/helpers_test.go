package billing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/dmitrymomot/campaignbilling/pkg/gateway"
	"github.com/dmitrymomot/campaignbilling/pkg/logger"
	"github.com/dmitrymomot/campaignbilling/svc/billing"
)

var epoch = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: epoch} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	basicPlan = billing.Plan{
		ID: uuid.MustParse("00000000-0000-0000-0000-00000000b001"), Code: "basic", Name: "Basic",
		Price: 1000, Currency: "TWD", Interval: billing.IntervalMonth, Active: true,
	}
	proPlan = billing.Plan{
		ID: uuid.MustParse("00000000-0000-0000-0000-00000000b002"), Code: "pro", Name: "Pro",
		Price: 1990, Currency: "TWD", Interval: billing.IntervalMonth, Active: true,
	}
	teamPlan = billing.Plan{
		ID: uuid.MustParse("00000000-0000-0000-0000-00000000b003"), Code: "team", Name: "Team",
		Price: 2000, Currency: "TWD", Interval: billing.IntervalMonth, Active: true,
	}
	legacyPlan = billing.Plan{
		ID: uuid.MustParse("00000000-0000-0000-0000-00000000b004"), Code: "legacy", Name: "Legacy",
		Price: 5000, Currency: "TWD", Interval: billing.IntervalYear, Active: false,
	}
)

func newStore() *billing.MemoryStore {
	return billing.NewMemoryStore(basicPlan, proPlan, teamPlan, legacyPlan)
}

// seedSubscription stores s with defaults filled in.
func seedSubscription(t *testing.T, store *billing.MemoryStore, s billing.Subscription) billing.Subscription {
	t.Helper()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.OwnerID == uuid.Nil {
		s.OwnerID = uuid.New()
	}
	if s.PlanID == uuid.Nil {
		s.PlanID = proPlan.ID
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = epoch
	}
	if err := store.CreateSubscription(context.Background(), s); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return s
}

type notifierMock struct {
	mock.Mock
}

func (m *notifierMock) PaymentSucceeded(ctx context.Context, ownerID, paymentID uuid.UUID) error {
	return m.Called(ownerID, paymentID).Error(0)
}

func (m *notifierMock) PaymentFailed(ctx context.Context, ownerID, paymentID uuid.UUID, reason string) error {
	return m.Called(ownerID, paymentID, reason).Error(0)
}

func (m *notifierMock) TrialExpiring(ctx context.Context, ownerID uuid.UUID, daysLeft int) error {
	return m.Called(ownerID, daysLeft).Error(0)
}

func (m *notifierMock) SubscriptionExpiring(ctx context.Context, ownerID uuid.UUID, daysLeft int) error {
	return m.Called(ownerID, daysLeft).Error(0)
}

func (m *notifierMock) Dunning(ctx context.Context, ownerID uuid.UUID, stage int) error {
	return m.Called(ownerID, stage).Error(0)
}

func (m *notifierMock) SubscriptionExpired(ctx context.Context, ownerID uuid.UUID) error {
	return m.Called(ownerID).Error(0)
}

type rewarderMock struct {
	mock.Mock
}

func (m *rewarderMock) GrantReferralReward(ctx context.Context, ownerID uuid.UUID) error {
	return m.Called(ownerID).Error(0)
}

type conversionMock struct {
	mock.Mock
}

func (m *conversionMock) AdvanceConversion(ctx context.Context, ownerID uuid.UUID) error {
	return m.Called(ownerID).Error(0)
}

// fakeGateway is a scriptable provider.
type fakeGateway struct {
	provider gateway.Provider

	mu       sync.Mutex
	create   func(ctx context.Context, p gateway.CreateParams) (gateway.CreateResult, error)
	verify   func(cb gateway.Callback) (gateway.VerifyResult, error)
	query    func(q gateway.QueryParams) (gateway.VerifyResult, error)
	refund   func(r gateway.RefundParams) (gateway.RefundResult, error)
	created  []gateway.CreateParams
	refunded []gateway.RefundParams
}

func newFakeGateway(p gateway.Provider) *fakeGateway {
	return &fakeGateway{
		provider: p,
		create: func(_ context.Context, cp gateway.CreateParams) (gateway.CreateResult, error) {
			return gateway.CreateResult{
				Success:       true,
				PaymentURL:    "https://checkout.example.com/" + cp.OrderRef,
				TransactionID: "tx_" + cp.OrderRef,
				Raw:           []byte(`{"ok":true}`),
			}, nil
		},
		refund: func(r gateway.RefundParams) (gateway.RefundResult, error) {
			return gateway.RefundResult{Success: true, RefundID: "re_" + r.OrderRef}, nil
		},
	}
}

func (g *fakeGateway) Provider() gateway.Provider { return g.provider }

func (g *fakeGateway) CreatePayment(ctx context.Context, p gateway.CreateParams) (gateway.CreateResult, error) {
	g.mu.Lock()
	g.created = append(g.created, p)
	fn := g.create
	g.mu.Unlock()
	return fn(ctx, p)
}

func (g *fakeGateway) VerifyCallback(_ context.Context, cb gateway.Callback) (gateway.VerifyResult, error) {
	return g.verify(cb)
}

func (g *fakeGateway) QueryTransaction(_ context.Context, q gateway.QueryParams) (gateway.VerifyResult, error) {
	return g.query(q)
}

func (g *fakeGateway) Refund(_ context.Context, r gateway.RefundParams) (gateway.RefundResult, error) {
	g.mu.Lock()
	g.refunded = append(g.refunded, r)
	g.mu.Unlock()
	return g.refund(r)
}

func (g *fakeGateway) Ack(processed bool) gateway.Ack {
	if processed {
		return gateway.Ack{Status: 200, Body: []byte("1|OK")}
	}
	return gateway.Ack{Status: 200, Body: []byte("0|Fail")}
}

func (g *fakeGateway) createdCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.created)
}

type harness struct {
	clock       *clock
	store       *billing.MemoryStore
	gateway     *fakeGateway
	notifier    *notifierMock
	rewarder    *rewarderMock
	conversions *conversionMock
	lifecycle   *billing.LifecycleManager
	orch        *billing.Orchestrator
	opts        []billing.Option
}

func newHarness(t *testing.T, extra ...billing.Option) *harness {
	t.Helper()
	h := &harness{
		clock:       newClock(),
		store:       newStore(),
		gateway:     newFakeGateway(gateway.ProviderStripe),
		notifier:    &notifierMock{},
		rewarder:    &rewarderMock{},
		conversions: &conversionMock{},
	}
	policy := billing.DefaultPolicy()
	policy.AllowedRedirectOrigins = []string{"https://app.example.com"}
	policy.DefaultRedirectOrigin = "https://app.example.com"
	opts := append([]billing.Option{
		billing.WithClock(h.clock.Now),
		billing.WithLogger(logger.Nop()),
		billing.WithPolicy(policy),
		billing.WithNotifier(h.notifier),
		billing.WithReferralRewarder(h.rewarder),
		billing.WithConversionTracker(h.conversions),
		billing.WithRetention(h.store),
	}, extra...)
	h.opts = opts
	h.lifecycle = billing.NewLifecycleManager(h.store, opts...)
	h.orch = billing.NewOrchestrator(h.store, gateway.NewRegistry(h.gateway), h.lifecycle, opts...)
	return h
}

// driveWith rebuilds the orchestrator on top of l.
func (h *harness) driveWith(l billing.SubscriptionLifecycle) {
	h.orch = billing.NewOrchestrator(h.store, gateway.NewRegistry(h.gateway), l, h.opts...)
}

// flakyLifecycle fails the next Activate or Terminate calls while its
// counters are positive.
type flakyLifecycle struct {
	*billing.LifecycleManager

	mu            sync.Mutex
	failActivate  int
	failTerminate int
}

func (l *flakyLifecycle) take(n *int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if *n == 0 {
		return false
	}
	*n--
	return true
}

func (l *flakyLifecycle) Activate(ctx context.Context, id uuid.UUID) (billing.Subscription, error) {
	if l.take(&l.failActivate) {
		return billing.Subscription{}, errors.New("database is locked")
	}
	return l.LifecycleManager.Activate(ctx, id)
}

func (l *flakyLifecycle) Terminate(ctx context.Context, id uuid.UUID, reason string) (billing.Subscription, error) {
	if l.take(&l.failTerminate) {
		return billing.Subscription{}, errors.New("database is locked")
	}
	return l.LifecycleManager.Terminate(ctx, id, reason)
}
