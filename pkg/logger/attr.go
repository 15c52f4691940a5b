package logger

import (
	"log/slog"
	"time"
)

// Error returns an empty Attr for nil errors so callers can skip the nil check.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

func Component(name string) slog.Attr { return slog.String("component", name) }

func Event(name string) slog.Attr { return slog.String("event", name) }

func Duration(d time.Duration) slog.Attr { return slog.Duration("duration", d) }

// PaymentID, SubscriptionID and OwnerID accept any id type (uuid.UUID, string).
func PaymentID(id any) slog.Attr { return slog.Any("payment_id", id) }

func SubscriptionID(id any) slog.Attr { return slog.Any("subscription_id", id) }

func OwnerID(id any) slog.Attr { return slog.Any("owner_id", id) }

func Provider(name string) slog.Attr { return slog.String("provider", name) }

func Status(s string) slog.Attr { return slog.String("status", s) }

// Job names a scheduled sweep.
func Job(name string) slog.Attr { return slog.String("job", name) }

func Count(n int) slog.Attr { return slog.Int("count", n) }
