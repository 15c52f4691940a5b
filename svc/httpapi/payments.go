package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dmitrymomot/campaignbilling/pkg/gateway"
	"github.com/dmitrymomot/campaignbilling/pkg/logger"
	"github.com/dmitrymomot/campaignbilling/pkg/validator"
	"github.com/dmitrymomot/campaignbilling/svc/billing"
)

type createPaymentRequest struct {
	OwnerID        uuid.UUID `json:"-"`
	SubscriptionID string    `json:"subscriptionId"`
	Provider       string    `json:"provider"`
	ReturnURL      string    `json:"returnUrl"`
	BackURL        string    `json:"backUrl"`
	Email          string    `json:"email"`
}

func (req *createPaymentRequest) bind(r *http.Request) (err error) {
	if req.OwnerID, err = ownerFrom(r.Context()); err != nil {
		return err
	}
	return decodeJSON(r, req)
}

func (req *createPaymentRequest) validate() error {
	rules := []validator.Rule{
		validator.Required("subscriptionId", req.SubscriptionID),
		validator.ValidUUID("subscriptionId", req.SubscriptionID),
		validator.Required("provider", req.Provider),
		validator.OptionalURL("returnUrl", req.ReturnURL),
		validator.OptionalURL("backUrl", req.BackURL),
		validator.MaxLen("returnUrl", req.ReturnURL, 2048),
		validator.MaxLen("backUrl", req.BackURL, 2048),
	}
	if req.Email != "" {
		rules = append(rules, validator.Email("email", req.Email))
	}
	return validator.Apply(rules...)
}

func (a *API) createPayment(ctx context.Context, req createPaymentRequest) (any, error) {
	provider, err := gateway.ParseProvider(req.Provider)
	if err != nil {
		return nil, err
	}
	checkout, err := a.payments.CreatePayment(ctx, billing.CreatePaymentInput{
		OwnerID:        req.OwnerID,
		SubscriptionID: uuid.MustParse(req.SubscriptionID),
		Provider:       provider,
		ReturnURL:      req.ReturnURL,
		BackURL:        req.BackURL,
		Email:          req.Email,
	})
	if err != nil {
		return nil, err
	}
	return checkoutView{
		PaymentID:  checkout.Payment.ID,
		PaymentURL: checkout.PaymentURL,
		FormData:   checkout.FormData,
		Payment:    newPaymentView(checkout.Payment),
	}, nil
}

type paymentRequest struct {
	OwnerID   uuid.UUID
	PaymentID uuid.UUID
}

func (req *paymentRequest) bind(r *http.Request) (err error) {
	if req.OwnerID, err = ownerFrom(r.Context()); err != nil {
		return err
	}
	req.PaymentID, err = pathUUID(r, "id")
	return err
}

func (a *API) getPayment(ctx context.Context, req paymentRequest) (any, error) {
	p, err := a.payments.GetPayment(ctx, req.PaymentID, req.OwnerID)
	if err != nil {
		return nil, err
	}
	return newPaymentView(p), nil
}

func (a *API) queryPayment(ctx context.Context, req paymentRequest) (any, error) {
	p, err := a.payments.QueryPayment(ctx, req.PaymentID, req.OwnerID)
	if err != nil {
		return nil, err
	}
	return newPaymentView(p), nil
}

type refundRequest struct {
	OwnerID   uuid.UUID `json:"-"`
	PaymentID uuid.UUID `json:"-"`
	Reason    string    `json:"reason"`
}

func (req *refundRequest) bind(r *http.Request) (err error) {
	if req.OwnerID, err = ownerFrom(r.Context()); err != nil {
		return err
	}
	if req.PaymentID, err = pathUUID(r, "id"); err != nil {
		return err
	}
	return decodeJSON(r, req)
}

func (req *refundRequest) validate() error {
	return validator.Apply(validator.MaxLen("reason", req.Reason, 500))
}

func (a *API) refundPayment(ctx context.Context, req refundRequest) (any, error) {
	p, err := a.payments.RefundPayment(ctx, req.PaymentID, req.OwnerID, req.Reason)
	if err != nil {
		return nil, err
	}
	return newPaymentView(p), nil
}

type historyRequest struct {
	OwnerID uuid.UUID
	Limit   int
	Offset  int
}

const maxHistoryPage = 100

func (req *historyRequest) bind(r *http.Request) (err error) {
	if req.OwnerID, err = ownerFrom(r.Context()); err != nil {
		return err
	}
	if req.Limit, err = queryInt(r, "limit", 0); err != nil {
		return err
	}
	req.Offset, err = queryInt(r, "offset", 0)
	return err
}

func (a *API) paymentHistory(ctx context.Context, req historyRequest) (any, error) {
	limit := req.Limit
	if limit == 0 {
		limit = a.cfg.HistoryPageSize
	}
	limit = min(limit, maxHistoryPage)
	payments, err := a.payments.History(ctx, req.OwnerID, limit, req.Offset)
	if err != nil {
		return nil, err
	}
	out := make([]paymentView, 0, len(payments))
	for _, p := range payments {
		out = append(out, newPaymentView(p))
	}
	return out, nil
}

// webhook hands the raw provider request to the orchestrator and writes the
// acknowledgment the provider expects. Only authentication failures are
// answered with an error envelope.
func (a *API) webhook(w http.ResponseWriter, r *http.Request) {
	provider, err := gateway.ParseProvider(chi.URLParam(r, "provider"))
	if err != nil {
		a.writeWebhookError(w, r, http.StatusNotFound, "unknown_provider", err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.cfg.MaxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.fail(w, r, errBodyTooLarge)
			return
		}
		a.fail(w, r, errBadRequest)
		return
	}

	ack, err := a.payments.HandleWebhook(r.Context(), provider, gateway.Callback{
		Body:   body,
		Header: r.Header.Clone(),
	})
	if err != nil {
		if errors.Is(err, gateway.ErrProviderDisabled) {
			a.writeWebhookError(w, r, http.StatusNotFound, "provider_disabled", err)
			return
		}
		a.fail(w, r, err)
		return
	}

	if ack.ContentType != "" {
		w.Header().Set("Content-Type", ack.ContentType)
	}
	status := ack.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(ack.Body); err != nil {
		a.log.DebugContext(r.Context(), "failed to write webhook ack", logger.Provider(string(provider)), logger.Error(err))
	}
}

func (a *API) writeWebhookError(w http.ResponseWriter, r *http.Request, status int, code string, err error) {
	a.log.WarnContext(r.Context(), "webhook for unavailable provider", logger.Error(err))
	_ = writeJSON(w, status, Envelope{Error: &ErrorDetail{Code: code, Message: publicMessage(err)}})
}
