package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dmitrymomot/campaignbilling/pkg/logger"
)

// isolate runs a best-effort side effect. Errors and panics are logged and
// swallowed so they never reach billing state.
func isolate(ctx context.Context, log *slog.Logger, name string, fn func(ctx context.Context) error, attrs ...any) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			log.ErrorContext(ctx, "side effect failed", append([]any{logger.Event(name), logger.Error(err)}, attrs...)...)
		}
	}()
	err = fn(ctx)
}
