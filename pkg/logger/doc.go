// Package logger builds context-aware slog loggers for the billing service.
//
// New returns a *slog.Logger whose handler is wrapped by a decorator that pulls
// request-scoped values (request id, owner id) out of context.Context on every
// record. Attribute helpers in attr.go keep key names consistent across
// gateways, the orchestrator and the scheduler.
//
//	log := logger.New(
//	    logger.WithEnvironment(cfg.Env, "billingd"),
//	    logger.WithContextExtractors(httpapi.RequestIDExtractor()),
//	)
//	log.InfoContext(ctx, "payment completed", logger.PaymentID(p.ID), logger.Provider("ecpay"))
package logger
