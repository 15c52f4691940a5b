package billing

import (
	"errors"
	"fmt"
)

var (
	ErrForbidden            = errors.New("billing: resource belongs to another owner")
	ErrSubscriptionNotFound = errors.New("billing: subscription not found")
	ErrPaymentNotFound      = errors.New("billing: payment not found")
	ErrPlanNotFound         = errors.New("billing: plan not found")

	// ErrInvalidState is the parent of every state precondition failure.
	// Use errors.As with *StateError to read the current status.
	ErrInvalidState         = errors.New("billing: invalid state")
	ErrNotPayable           = errors.New("billing: subscription is not payable")
	ErrPaymentInFlight      = errors.New("billing: a payment is already in progress")
	ErrTrialAlreadyUsed     = errors.New("billing: trial already used")
	ErrSubscriptionExists   = errors.New("billing: owner already has a live subscription")
	ErrNotRefundable        = errors.New("billing: payment is not refundable")
	ErrNoPendingDowngrade   = errors.New("billing: no downgrade scheduled")
	ErrStaleSubscription    = errors.New("billing: subscription changed concurrently")
	ErrStalePayment         = errors.New("billing: payment changed concurrently")
	ErrTransitionNotAllowed = errors.New("billing: transition not allowed")

	// Input errors.
	ErrNotUpgrade            = errors.New("billing: new plan is not more expensive")
	ErrNotDowngrade          = errors.New("billing: new plan is not cheaper")
	ErrSamePlan              = errors.New("billing: already on this plan")
	ErrPlanInactive          = errors.New("billing: plan is not available")
	ErrPriceOverrideConflict = errors.New("billing: custom price and price adjustment are mutually exclusive")
	ErrInvalidAmount         = errors.New("billing: invalid amount")

	// ErrGatewayFailure is what callers see for any provider failure; the
	// provider's own message is only logged.
	ErrGatewayFailure    = errors.New("billing: payment provider failed")
	ErrActivationFailed  = errors.New("billing: subscription activation failed")
	ErrAmountMismatch    = errors.New("billing: paid amount does not match payment")
	ErrProviderMismatch  = errors.New("billing: callback provider does not match payment")
	ErrUnresolvableOrder = errors.New("billing: callback references no payment")
)

// StateError is a business rejection caused by the current status of a
// subscription or payment.
type StateError struct {
	Entity string
	Status string
	Err    error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%v (%s status: %s)", e.Err, e.Entity, e.Status)
}

func (e *StateError) Unwrap() []error { return []error{ErrInvalidState, e.Err} }

func subscriptionStateError(s SubscriptionStatus, err error) error {
	return &StateError{Entity: "subscription", Status: string(s), Err: err}
}

func paymentStateError(s PaymentStatus, err error) error {
	return &StateError{Entity: "payment", Status: string(s), Err: err}
}

// CurrentStatus extracts the status carried by a StateError in err's chain.
func CurrentStatus(err error) (string, bool) {
	var se *StateError
	if errors.As(err, &se) {
		return se.Status, true
	}
	return "", false
}
