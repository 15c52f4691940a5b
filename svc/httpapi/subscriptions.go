package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrymomot/campaignbilling/pkg/validator"
	"github.com/dmitrymomot/campaignbilling/svc/billing"
)

type ownerRequest struct {
	OwnerID uuid.UUID
}

func (req *ownerRequest) bind(r *http.Request) (err error) {
	req.OwnerID, err = ownerFrom(r.Context())
	return err
}

func (a *API) listPlans(ctx context.Context, _ ownerRequest) (any, error) {
	plans, err := a.plans.ListPlans(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]planView, 0, len(plans))
	for _, p := range plans {
		if p.Active {
			out = append(out, newPlanView(p))
		}
	}
	return out, nil
}

func (a *API) currentSubscription(ctx context.Context, req ownerRequest) (any, error) {
	return subscriptionResult(a.subscriptions.Current(ctx, req.OwnerID))
}

func (a *API) startTrial(ctx context.Context, req ownerRequest) (any, error) {
	return subscriptionResult(a.subscriptions.StartTrial(ctx, req.OwnerID))
}

func (a *API) cancelDowngrade(ctx context.Context, req ownerRequest) (any, error) {
	return subscriptionResult(a.subscriptions.CancelDowngrade(ctx, req.OwnerID))
}

type planRequest struct {
	OwnerID uuid.UUID
	PlanID  uuid.UUID
}

func (req *planRequest) bind(r *http.Request) (err error) {
	if req.OwnerID, err = ownerFrom(r.Context()); err != nil {
		return err
	}
	req.PlanID, err = pathUUID(r, "planId")
	return err
}

func (a *API) subscribe(ctx context.Context, req planRequest) (any, error) {
	return subscriptionResult(a.subscriptions.Subscribe(ctx, req.OwnerID, req.PlanID))
}

func (a *API) previewUpgrade(ctx context.Context, req planRequest) (any, error) {
	return planChangeResultOf(a.subscriptions.PreviewUpgrade(ctx, req.OwnerID, req.PlanID))
}

func (a *API) upgrade(ctx context.Context, req planRequest) (any, error) {
	s, change, err := a.subscriptions.Upgrade(ctx, req.OwnerID, req.PlanID)
	if err != nil {
		return nil, err
	}
	return planChangeResult{Subscription: newSubscriptionView(s), Change: newPlanChangeView(change)}, nil
}

func (a *API) previewDowngrade(ctx context.Context, req planRequest) (any, error) {
	return planChangeResultOf(a.subscriptions.PreviewDowngrade(ctx, req.OwnerID, req.PlanID))
}

func (a *API) downgrade(ctx context.Context, req planRequest) (any, error) {
	s, change, err := a.subscriptions.Downgrade(ctx, req.OwnerID, req.PlanID)
	if err != nil {
		return nil, err
	}
	return planChangeResult{Subscription: newSubscriptionView(s), Change: newPlanChangeView(change)}, nil
}

type cancelRequest struct {
	OwnerID uuid.UUID `json:"-"`
	Reason  string    `json:"reason"`
}

func (req *cancelRequest) bind(r *http.Request) (err error) {
	if req.OwnerID, err = ownerFrom(r.Context()); err != nil {
		return err
	}
	return decodeJSON(r, req)
}

func (req *cancelRequest) validate() error {
	return validator.Apply(validator.MaxLen("reason", req.Reason, 500))
}

func (a *API) cancelSubscription(ctx context.Context, req cancelRequest) (any, error) {
	return subscriptionResult(a.subscriptions.Cancel(ctx, req.OwnerID, strings.TrimSpace(req.Reason)))
}

type autoRenewRequest struct {
	OwnerID uuid.UUID `json:"-"`
	Enabled *bool     `json:"enabled"`
}

func (req *autoRenewRequest) bind(r *http.Request) (err error) {
	if req.OwnerID, err = ownerFrom(r.Context()); err != nil {
		return err
	}
	return decodeJSON(r, req)
}

func (req *autoRenewRequest) validate() error {
	return validator.Apply(validator.Rule{
		Check: func() bool { return req.Enabled != nil },
		Error: validator.ValidationError{Field: "enabled", Message: "is required"},
	})
}

func (a *API) setAutoRenew(ctx context.Context, req autoRenewRequest) (any, error) {
	return subscriptionResult(a.subscriptions.SetAutoRenew(ctx, req.OwnerID, *req.Enabled))
}

type contactRequest struct {
	OwnerID uuid.UUID `json:"-"`
	Email   string    `json:"email"`
}

func (req *contactRequest) bind(r *http.Request) (err error) {
	if req.OwnerID, err = ownerFrom(r.Context()); err != nil {
		return err
	}
	if err := decodeJSON(r, req); err != nil {
		return err
	}
	req.Email = strings.TrimSpace(req.Email)
	return nil
}

func (req *contactRequest) validate() error {
	return validator.Apply(
		validator.Required("email", req.Email),
		validator.Email("email", req.Email),
		validator.MaxLen("email", req.Email, 320),
	)
}

func (a *API) getContact(ctx context.Context, req ownerRequest) (any, error) {
	addr, err := a.contacts.OwnerEmail(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	return contactView{Email: addr}, nil
}

func (a *API) setContact(ctx context.Context, req contactRequest) (any, error) {
	if err := a.contacts.SetOwnerEmail(ctx, req.OwnerID, req.Email); err != nil {
		return nil, err
	}
	return contactView{Email: req.Email}, nil
}

// priceOverrideRequest sets or, with a null amount, clears a custom price or
// price adjustment.
type priceOverrideRequest struct {
	SubscriptionID uuid.UUID `json:"-"`
	Amount         *int64    `json:"amount"`
	Reason         string    `json:"reason"`
	AdjustedBy     string    `json:"adjustedBy"`
}

func (req *priceOverrideRequest) bind(r *http.Request) (err error) {
	if req.SubscriptionID, err = pathUUID(r, "id"); err != nil {
		return err
	}
	return decodeJSON(r, req)
}

func (req *priceOverrideRequest) validate() error {
	return validator.Apply(
		validator.Required("reason", req.Reason),
		validator.MaxLen("reason", req.Reason, 500),
		validator.Required("adjustedBy", req.AdjustedBy),
		validator.MaxLen("adjustedBy", req.AdjustedBy, 200),
	)
}

func (req priceOverrideRequest) adjustment() billing.PriceAdjustment {
	return billing.PriceAdjustment{Reason: req.Reason, AdjustedBy: req.AdjustedBy}
}

func (a *API) setCustomPrice(ctx context.Context, req priceOverrideRequest) (any, error) {
	return subscriptionResult(a.subscriptions.SetCustomPrice(ctx, req.SubscriptionID, req.Amount, req.adjustment()))
}

func (a *API) setPriceAdjustment(ctx context.Context, req priceOverrideRequest) (any, error) {
	return subscriptionResult(a.subscriptions.SetPriceAdjustment(ctx, req.SubscriptionID, req.Amount, req.adjustment()))
}

func subscriptionResult(s billing.Subscription, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return newSubscriptionView(s), nil
}

func planChangeResultOf(c billing.PlanChange, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return newPlanChangeView(c), nil
}
