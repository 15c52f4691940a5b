package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dmitrymomot/campaignbilling/pkg/gateway"
	"github.com/dmitrymomot/campaignbilling/pkg/logger"
)

// GatewayResolver looks up the gateway of an enabled provider.
type GatewayResolver interface {
	Get(p gateway.Provider) (gateway.Gateway, error)
}

// SubscriptionLifecycle is the part of LifecycleManager the orchestrator drives.
type SubscriptionLifecycle interface {
	Get(ctx context.Context, id uuid.UUID) (Subscription, error)
	Activate(ctx context.Context, id uuid.UUID) (Subscription, error)
	Renew(ctx context.Context, id uuid.UUID) (Subscription, error)
	MarkPastDue(ctx context.Context, id uuid.UUID) (Subscription, error)
	Terminate(ctx context.Context, id uuid.UUID, reason string) (Subscription, error)
}

// Orchestrator is the payment use-case layer. It coordinates the Ledger and
// the lifecycle but writes neither payments nor subscriptions itself.
type Orchestrator struct {
	ledger      *Ledger
	store       Store
	plans       PlanStore
	gateways    GatewayResolver
	lifecycle   SubscriptionLifecycle
	redirects   *RedirectSanitizer
	notifier    Notifier
	rewarder    ReferralRewarder
	conversions ConversionTracker
	receipts    ReceiptGuard
	metrics     *Metrics
	policy      Policy
	log         *slog.Logger
	now         func() time.Time
}

func NewOrchestrator(store Store, gateways GatewayResolver, lifecycle SubscriptionLifecycle, opts ...Option) *Orchestrator {
	if store == nil {
		panic("billing: orchestrator store is required")
	}
	if gateways == nil {
		panic("billing: gateway resolver is required")
	}
	if lifecycle == nil {
		panic("billing: subscription lifecycle is required")
	}
	o := newOptions(opts)
	plans := o.plans
	if plans == nil {
		plans = store
	}
	return &Orchestrator{
		ledger:      NewLedger(store, o.now),
		store:       store,
		plans:       plans,
		gateways:    gateways,
		lifecycle:   lifecycle,
		redirects:   NewRedirectSanitizer(o.policy.DefaultRedirectOrigin, o.policy.AllowedRedirectOrigins...),
		notifier:    o.notifier,
		rewarder:    o.rewarder,
		conversions: o.conversions,
		receipts:    o.receipts,
		metrics:     o.metrics,
		policy:      o.policy,
		log:         o.log.With(logger.Component("payments")),
		now:         o.now,
	}
}

// CreatePaymentInput is a request to charge a subscription.
type CreatePaymentInput struct {
	OwnerID        uuid.UUID
	SubscriptionID uuid.UUID
	Provider       gateway.Provider
	ReturnURL      string
	BackURL        string
	Email          string
}

// Checkout tells the client where to pay.
type Checkout struct {
	Payment    Payment
	PaymentURL string
	FormData   map[string]string
}

// CreatePayment opens a payment for the subscription and asks the provider
// for a checkout. Provider failures mark the payment failed and return
// ErrGatewayFailure.
func (o *Orchestrator) CreatePayment(ctx context.Context, in CreatePaymentInput) (_ Checkout, err error) {
	ctx, span := startSpan(ctx, "billing.create_payment",
		attribute.String(attrOwnerID, in.OwnerID.String()),
		attribute.String(attrSubscriptionID, in.SubscriptionID.String()),
		attribute.String(attrProvider, string(in.Provider)))
	defer func() { endSpan(span, err) }()

	gw, err := o.gateways.Get(in.Provider)
	if err != nil {
		return Checkout{}, err
	}
	sub, err := o.store.GetSubscription(ctx, in.SubscriptionID)
	if err != nil {
		return Checkout{}, err
	}
	if sub.OwnerID != in.OwnerID {
		return Checkout{}, ErrForbidden
	}
	if !o.payable(sub) {
		return Checkout{}, subscriptionStateError(sub.Status, ErrNotPayable)
	}
	plan, err := o.plans.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return Checkout{}, err
	}
	amount, original := EffectiveAmount(plan.Price, sub)
	if amount <= 0 {
		return Checkout{}, ErrInvalidAmount
	}
	currency := plan.Currency
	if currency == "" {
		currency = o.policy.Currency
	}

	payment, err := o.ledger.Open(ctx, OpenParams{
		SubscriptionID: sub.ID,
		OwnerID:        sub.OwnerID,
		Provider:       in.Provider,
		Amount:         amount,
		OriginalAmount: original,
		Currency:       currency,
	})
	if err != nil {
		return Checkout{}, err
	}
	o.metrics.payment(string(in.Provider), PaymentPending)
	log := o.log.With(logger.PaymentID(payment.ID), logger.SubscriptionID(sub.ID), logger.Provider(string(in.Provider)))

	gctx, cancel := o.gatewayContext(ctx)
	defer cancel()
	started := time.Now()
	res, err := gw.CreatePayment(gctx, gateway.CreateParams{
		OrderRef:       payment.OrderRef,
		Amount:         amount,
		Currency:       currency,
		Description:    plan.Name,
		Email:          in.Email,
		ReturnURL:      o.redirects.Sanitize(in.ReturnURL),
		BackURL:        o.redirects.Sanitize(in.BackURL),
		CatalogPriceID: plan.PaddlePriceID,
	})
	o.metrics.gatewayCall(string(in.Provider), "create", started, err)

	if err != nil || !res.Success {
		reason := res.ErrorMessage
		if err != nil {
			reason = "gateway error"
			if errors.Is(err, context.DeadlineExceeded) {
				reason = "gateway timeout"
			}
		}
		log.ErrorContext(ctx, "gateway rejected payment", logger.Error(err), slog.String("reason", res.ErrorMessage))
		if _, _, ferr := o.ledger.Fail(ctx, payment.ID, reason, res.Raw); ferr != nil {
			log.ErrorContext(ctx, "failed to record gateway failure", logger.Error(ferr))
		}
		o.metrics.payment(string(in.Provider), PaymentFailed)
		return Checkout{}, ErrGatewayFailure
	}

	payment, err = o.ledger.MarkProcessing(ctx, payment.ID, res.TransactionID, res.Raw)
	if err != nil {
		return Checkout{}, err
	}
	o.metrics.payment(string(in.Provider), PaymentProcessing)
	log.InfoContext(ctx, "payment created", slog.Int64("amount", amount))
	return Checkout{Payment: payment, PaymentURL: res.PaymentURL, FormData: res.FormData}, nil
}

// payable reports whether a payment may be opened: pending, trial and
// past-due subscriptions always, active ones inside the renewal window.
func (o *Orchestrator) payable(s Subscription) bool {
	switch s.Status {
	case StatusPending, StatusTrial, StatusPastDue:
		return true
	case StatusActive:
		return !s.CurrentPeriodEnd.After(o.now().Add(days(o.policy.RenewalWindowDays)))
	}
	return false
}

func (o *Orchestrator) gatewayContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.policy.GatewayTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.policy.GatewayTimeout)
}

// ProcessResult applies a verified provider result to the payment named by
// ref (payment id or order reference). It is the only path that completes
// or fails a payment after creation. Replays change nothing unless an
// earlier activation failed.
func (o *Orchestrator) ProcessResult(ctx context.Context, ref string, provider gateway.Provider, res gateway.VerifyResult) (_ Payment, err error) {
	ctx, span := startSpan(ctx, "billing.process_result", attribute.String(attrProvider, string(provider)))
	defer func() { endSpan(span, err) }()

	p, err := o.ledger.Resolve(ctx, ref)
	if err != nil {
		return Payment{}, err
	}
	span.SetAttributes(attribute.String(attrPaymentID, p.ID.String()))
	log := o.log.With(logger.PaymentID(p.ID), logger.SubscriptionID(p.SubscriptionID), logger.Provider(string(provider)))
	if p.Status.IsTerminal() {
		if p.Status == PaymentCompleted && p.Provider == provider && res.Success {
			return o.retryActivation(ctx, log, p)
		}
		return p, nil
	}
	if p.Provider != provider {
		return Payment{}, fmt.Errorf("%w: payment %s belongs to %s", ErrProviderMismatch, p.ID, p.Provider)
	}
	if res.Ignored {
		log.DebugContext(ctx, "provider result carries no outcome", slog.String("detail", res.ErrorMessage))
		return p, nil
	}

	if res.Success && res.Amount != 0 && res.Amount != p.Amount {
		log.ErrorContext(ctx, "paid amount does not match payment",
			slog.Int64("expected", p.Amount), slog.Int64("received", res.Amount))
		res.Success = false
		res.ErrorMessage = "amount mismatch"
		if p, err = o.fail(ctx, log, p, res); err != nil {
			return Payment{}, err
		}
		return p, fmt.Errorf("%w: payment %s expected %d got %d", ErrAmountMismatch, p.ID, p.Amount, res.Amount)
	}
	if !res.Success {
		return o.fail(ctx, log, p, res)
	}
	return o.complete(ctx, log, p, res)
}

func (o *Orchestrator) complete(ctx context.Context, log *slog.Logger, p Payment, res gateway.VerifyResult) (Payment, error) {
	p, changed, err := o.ledger.Complete(ctx, p.ID, res.TransactionID, res.PaidAt, res.Raw)
	if err != nil {
		return Payment{}, err
	}
	if !changed {
		return p, nil
	}
	o.metrics.payment(string(p.Provider), PaymentCompleted)
	log.InfoContext(ctx, "payment completed", slog.Int64("amount", p.Amount))

	if err := o.applyToSubscription(ctx, p.SubscriptionID); err != nil {
		log.ErrorContext(ctx, "subscription activation failed, a replayed result retries it",
			logger.OwnerID(p.OwnerID), logger.Error(err))
		return p, errors.Join(ErrActivationFailed, err)
	}
	o.afterCompletion(ctx, log, p)
	return p, nil
}

// retryActivation finishes a completed payment whose subscription was never
// activated. Only pending and trial subscriptions qualify, so replaying an
// old result cannot renew or revive anything.
func (o *Orchestrator) retryActivation(ctx context.Context, log *slog.Logger, p Payment) (Payment, error) {
	sub, err := o.lifecycle.Get(ctx, p.SubscriptionID)
	if err != nil {
		return p, err
	}
	if sub.Status != StatusPending && sub.Status != StatusTrial {
		return p, nil
	}
	if _, err := o.lifecycle.Activate(ctx, sub.ID); err != nil {
		log.ErrorContext(ctx, "subscription activation retry failed", logger.Error(err))
		return p, errors.Join(ErrActivationFailed, err)
	}
	log.InfoContext(ctx, "subscription activated on replay")
	o.afterCompletion(ctx, log, p)
	return p, nil
}

// afterCompletion runs the side effects of an applied payment. Their
// failures are logged only.
func (o *Orchestrator) afterCompletion(ctx context.Context, log *slog.Logger, p Payment) {
	isolate(ctx, log, "payment_succeeded_notice", func(ctx context.Context) error {
		return o.notifier.PaymentSucceeded(ctx, p.OwnerID, p.ID)
	})
	isolate(ctx, log, "referral_reward", func(ctx context.Context) error {
		n, err := o.store.CountCompletedPayments(ctx, p.OwnerID)
		if err != nil {
			return err
		}
		if n != 1 {
			return nil
		}
		return o.rewarder.GrantReferralReward(ctx, p.OwnerID)
	})
	isolate(ctx, log, "conversion", func(ctx context.Context) error {
		return o.conversions.AdvanceConversion(ctx, p.OwnerID)
	})
}

// applyToSubscription activates a not yet active subscription or renews an
// active one.
func (o *Orchestrator) applyToSubscription(ctx context.Context, id uuid.UUID) error {
	sub, err := o.lifecycle.Get(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status == StatusActive {
		_, err = o.lifecycle.Renew(ctx, id)
	} else {
		_, err = o.lifecycle.Activate(ctx, id)
	}
	return err
}

func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, p Payment, res gateway.VerifyResult) (Payment, error) {
	reason := res.ErrorMessage
	if reason == "" {
		reason = "payment failed"
	}
	p, changed, err := o.ledger.Fail(ctx, p.ID, reason, res.Raw)
	if err != nil {
		return Payment{}, err
	}
	if !changed {
		return p, nil
	}
	o.metrics.payment(string(p.Provider), PaymentFailed)
	log.WarnContext(ctx, "payment failed", slog.String("reason", reason))

	if sub, err := o.lifecycle.Get(ctx, p.SubscriptionID); err == nil && sub.Status == StatusActive && !sub.CurrentPeriodEnd.After(o.now()) {
		if _, err := o.lifecycle.MarkPastDue(ctx, sub.ID); err != nil {
			log.ErrorContext(ctx, "failed to mark subscription past due", logger.Error(err))
		}
	}
	isolate(ctx, log, "payment_failed_notice", func(ctx context.Context) error {
		return o.notifier.PaymentFailed(ctx, p.OwnerID, p.ID, reason)
	})
	return p, nil
}

// HandleWebhook verifies and applies a provider callback and returns the
// acknowledgment the provider expects. The error is non-nil only when the
// callback failed verification; processing errors are logged and reflected
// in the acknowledgment.
func (o *Orchestrator) HandleWebhook(ctx context.Context, provider gateway.Provider, cb gateway.Callback) (gateway.Ack, error) {
	gw, err := o.gateways.Get(provider)
	if err != nil {
		return gateway.Ack{}, err
	}
	log := o.log.With(logger.Provider(string(provider)))

	res, err := gw.VerifyCallback(ctx, cb)
	if err != nil {
		o.metrics.webhook(string(provider), "rejected")
		log.WarnContext(ctx, "webhook rejected", logger.Error(err))
		return gateway.Ack{}, err
	}

	key := ReceiptKey(provider, cb.Body)
	if o.receipts != nil && len(cb.Body) > 0 {
		if seen, err := o.receipts.Seen(ctx, key); err != nil {
			log.WarnContext(ctx, "receipt guard unavailable", logger.Error(err))
		} else if seen {
			o.metrics.webhook(string(provider), "duplicate")
			return gw.Ack(true), nil
		}
	}

	if res.Ignored || res.OrderRef == "" {
		o.metrics.webhook(string(provider), "ignored")
		log.DebugContext(ctx, "webhook ignored", slog.String("detail", res.ErrorMessage))
		return gw.Ack(true), nil
	}

	if _, err := o.ProcessResult(ctx, res.OrderRef, provider, res); err != nil {
		if errors.Is(err, ErrAmountMismatch) {
			o.metrics.webhook(string(provider), "mismatch")
			log.WarnContext(ctx, "webhook amount mismatch", slog.String("order_ref", res.OrderRef), logger.Error(err))
			return gw.Ack(false), nil
		}
		o.metrics.webhook(string(provider), "error")
		log.ErrorContext(ctx, "webhook processing failed", slog.String("order_ref", res.OrderRef), logger.Error(err))
		return gw.Ack(false), nil
	}
	o.metrics.webhook(string(provider), "processed")
	if o.receipts != nil && len(cb.Body) > 0 {
		if err := o.receipts.Remember(ctx, key); err != nil {
			log.WarnContext(ctx, "failed to remember webhook receipt", logger.Error(err))
		}
	}
	return gw.Ack(true), nil
}

// RefundPayment refunds a completed payment through its provider and
// cancels the subscription. A provider failure leaves the payment completed.
func (o *Orchestrator) RefundPayment(ctx context.Context, paymentID, ownerID uuid.UUID, reason string) (_ Payment, err error) {
	ctx, span := startSpan(ctx, "billing.refund_payment", attribute.String(attrPaymentID, paymentID.String()))
	defer func() { endSpan(span, err) }()

	p, err := o.GetPayment(ctx, paymentID, ownerID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status != PaymentCompleted {
		return Payment{}, paymentStateError(p.Status, ErrNotRefundable)
	}
	gw, err := o.gateways.Get(p.Provider)
	if err != nil {
		return Payment{}, err
	}
	log := o.log.With(logger.PaymentID(p.ID), logger.Provider(string(p.Provider)))

	gctx, cancel := o.gatewayContext(ctx)
	defer cancel()
	started := time.Now()
	res, err := gateway.Refund(gctx, gw, gateway.RefundParams{
		OrderRef:      p.OrderRef,
		TransactionID: p.ProviderPaymentID,
		Amount:        p.Amount,
		Reason:        reason,
	})
	o.metrics.gatewayCall(string(p.Provider), "refund", started, err)
	if err != nil || !res.Success {
		log.ErrorContext(ctx, "gateway refund failed", logger.Error(err), slog.String("reason", res.ErrorMessage))
		if errors.Is(err, gateway.ErrRefundUnsupported) {
			return Payment{}, errors.Join(ErrGatewayFailure, gateway.ErrRefundUnsupported)
		}
		return Payment{}, ErrGatewayFailure
	}

	p, changed, err := o.ledger.Refund(ctx, p.ID, p.Amount, res.Raw)
	if err != nil {
		return Payment{}, err
	}
	if !changed {
		return Payment{}, paymentStateError(p.Status, ErrNotRefundable)
	}
	o.metrics.payment(string(p.Provider), PaymentRefunded)
	log.InfoContext(ctx, "payment refunded", slog.String("refund_id", res.RefundID))

	if _, err := o.lifecycle.Terminate(ctx, p.SubscriptionID, CancelReasonRefund); err != nil {
		log.ErrorContext(ctx, "refunded subscription left uncancelled",
			logger.SubscriptionID(p.SubscriptionID), logger.Error(err))
	}
	return p, nil
}

// QueryPayment asks the provider for the payment's current outcome and
// feeds it through ProcessResult.
func (o *Orchestrator) QueryPayment(ctx context.Context, paymentID, ownerID uuid.UUID) (Payment, error) {
	p, err := o.GetPayment(ctx, paymentID, ownerID)
	if err != nil {
		return Payment{}, err
	}
	if p.Status.IsTerminal() {
		return p, nil
	}
	gw, err := o.gateways.Get(p.Provider)
	if err != nil {
		return Payment{}, err
	}
	gctx, cancel := o.gatewayContext(ctx)
	defer cancel()
	started := time.Now()
	res, err := gateway.Query(gctx, gw, gateway.QueryParams{
		OrderRef:      p.OrderRef,
		TransactionID: p.ProviderPaymentID,
		Amount:        p.Amount,
	})
	o.metrics.gatewayCall(string(p.Provider), "query", started, err)
	if err != nil {
		o.log.ErrorContext(ctx, "gateway query failed", logger.PaymentID(p.ID), logger.Error(err))
		if errors.Is(err, gateway.ErrQueryUnsupported) {
			return Payment{}, errors.Join(ErrGatewayFailure, gateway.ErrQueryUnsupported)
		}
		return Payment{}, ErrGatewayFailure
	}
	return o.ProcessResult(ctx, p.ID.String(), p.Provider, res)
}

// GetPayment returns a payment owned by ownerID.
func (o *Orchestrator) GetPayment(ctx context.Context, paymentID, ownerID uuid.UUID) (Payment, error) {
	p, err := o.ledger.Get(ctx, paymentID)
	if err != nil {
		return Payment{}, err
	}
	if p.OwnerID != ownerID {
		return Payment{}, ErrForbidden
	}
	return p, nil
}

// History lists the owner's payments, newest first.
func (o *Orchestrator) History(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]Payment, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return o.ledger.History(ctx, ownerID, limit, max(offset, 0))
}
