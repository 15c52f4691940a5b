package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmitrymomot/campaignbilling/pkg/gateway"
	"github.com/dmitrymomot/campaignbilling/pkg/logger"
	"github.com/dmitrymomot/campaignbilling/pkg/ratelimiter"
	"github.com/dmitrymomot/campaignbilling/pkg/validator"
	"github.com/dmitrymomot/campaignbilling/svc/billing"
)

// Envelope is the body of every JSON response.
type Envelope struct {
	Data  any            `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Error *ErrorDetail   `json:"error,omitempty"`
}

// ErrorDetail describes a failed request. CurrentStatus is set when the
// request was rejected because of a subscription or payment status.
type ErrorDetail struct {
	Code          string              `json:"code"`
	Message       string              `json:"message"`
	CurrentStatus string              `json:"currentStatus,omitempty"`
	Details       map[string][]string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body Envelope) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(body)
}

var (
	errUnauthenticated = errors.New("httpapi: missing or invalid owner identity")
	errAdminOnly       = errors.New("httpapi: admin token required")
	errBadRequest      = errors.New("httpapi: malformed request")
	errBodyTooLarge    = errors.New("httpapi: request body too large")
)

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorMappings is matched in order, so specific sentinels come before
// their parents.
var errorMappings = []errorMapping{
	{errUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{errAdminOnly, http.StatusUnauthorized, "unauthenticated"},
	{errBadRequest, http.StatusBadRequest, "bad_request"},
	{errBodyTooLarge, http.StatusRequestEntityTooLarge, "body_too_large"},
	{ratelimiter.ErrLimited, http.StatusTooManyRequests, "rate_limited"},
	{ratelimiter.ErrStoreUnavailable, http.StatusServiceUnavailable, "unavailable"},

	{billing.ErrForbidden, http.StatusForbidden, "forbidden"},
	{billing.ErrSubscriptionNotFound, http.StatusNotFound, "subscription_not_found"},
	{billing.ErrPaymentNotFound, http.StatusNotFound, "payment_not_found"},
	{billing.ErrPlanNotFound, http.StatusNotFound, "plan_not_found"},

	{billing.ErrNotPayable, http.StatusConflict, "not_payable"},
	{billing.ErrPaymentInFlight, http.StatusConflict, "payment_in_flight"},
	{billing.ErrTrialAlreadyUsed, http.StatusConflict, "trial_already_used"},
	{billing.ErrSubscriptionExists, http.StatusConflict, "subscription_exists"},
	{billing.ErrNotRefundable, http.StatusConflict, "not_refundable"},
	{billing.ErrNoPendingDowngrade, http.StatusConflict, "no_pending_downgrade"},
	{billing.ErrTransitionNotAllowed, http.StatusConflict, "transition_not_allowed"},
	{billing.ErrStaleSubscription, http.StatusConflict, "concurrent_update"},
	{billing.ErrStalePayment, http.StatusConflict, "concurrent_update"},
	{billing.ErrInvalidState, http.StatusConflict, "invalid_state"},

	{billing.ErrNotUpgrade, http.StatusUnprocessableEntity, "not_upgrade"},
	{billing.ErrNotDowngrade, http.StatusUnprocessableEntity, "not_downgrade"},
	{billing.ErrSamePlan, http.StatusUnprocessableEntity, "same_plan"},
	{billing.ErrPlanInactive, http.StatusUnprocessableEntity, "plan_inactive"},
	{billing.ErrPriceOverrideConflict, http.StatusUnprocessableEntity, "price_override_conflict"},
	{billing.ErrInvalidAmount, http.StatusUnprocessableEntity, "invalid_amount"},
	{billing.ErrAmountMismatch, http.StatusUnprocessableEntity, "amount_mismatch"},
	{gateway.ErrProviderDisabled, http.StatusUnprocessableEntity, "provider_disabled"},
	{gateway.ErrUnknownProvider, http.StatusUnprocessableEntity, "unknown_provider"},

	{gateway.ErrInvalidSignature, http.StatusBadRequest, "invalid_signature"},
	{gateway.ErrMalformedCallback, http.StatusBadRequest, "malformed_callback"},

	{billing.ErrGatewayFailure, http.StatusBadGateway, "gateway_failure"},
}

// errorResponse maps err to a status code and a client-safe detail.
// Unrecognized errors become an opaque 500.
func errorResponse(err error) (int, *ErrorDetail) {
	if ve := validator.ExtractValidationErrors(err); ve != nil {
		return http.StatusUnprocessableEntity, &ErrorDetail{
			Code:    "validation_error",
			Message: "request validation failed",
			Details: ve.Fields(),
		}
	}
	for _, m := range errorMappings {
		if !errors.Is(err, m.err) {
			continue
		}
		d := &ErrorDetail{Code: m.code, Message: publicMessage(m.err)}
		if status, ok := billing.CurrentStatus(err); ok {
			d.CurrentStatus = status
		}
		return m.status, d
	}
	return http.StatusInternalServerError, &ErrorDetail{Code: "internal_error", Message: "internal server error"}
}

// publicMessage strips the package prefix from a sentinel's text.
func publicMessage(err error) string {
	msg := err.Error()
	if _, rest, ok := strings.Cut(msg, ": "); ok {
		return rest
	}
	return msg
}

func (a *API) respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	if err := writeJSON(w, status, Envelope{Data: data}); err != nil {
		a.log.DebugContext(r.Context(), "failed to write response", logger.Error(err))
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := errorResponse(err)
	log := a.log.With(
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		logger.Error(err),
	)
	if status >= http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "request failed")
	} else {
		log.DebugContext(r.Context(), "request rejected")
	}
	if err := writeJSON(w, status, Envelope{Error: detail}); err != nil {
		a.log.DebugContext(r.Context(), "failed to write error response", logger.Error(err))
	}
}

// RequestIDAttr pulls the chi request id into log records.
func RequestIDAttr(ctx context.Context) (slog.Attr, bool) {
	id := middleware.GetReqID(ctx)
	if id == "" {
		return slog.Attr{}, false
	}
	return slog.String("request_id", id), true
}
