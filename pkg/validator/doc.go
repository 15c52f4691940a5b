// Package validator composes small declarative rules into a single error
// listing every failing field.
//
//	err := validator.Apply(
//	    validator.ValidUUID("subscription_id", req.SubscriptionID),
//	    validator.InList("provider", req.Provider, enabledProviders),
//	)
package validator
