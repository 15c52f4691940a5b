package billing

import "time"

// Policy holds the business constants of the engine.
type Policy struct {
	TrialDays         int    `env:"TRIAL_DAYS" envDefault:"7"`
	TrialPlanCode     string `env:"TRIAL_PLAN_CODE" envDefault:"basic"`
	GracePeriodDays   int    `env:"GRACE_PERIOD_DAYS" envDefault:"30"`
	DunningExpireDays int    `env:"DUNNING_EXPIRE_DAYS" envDefault:"14"`
	// RenewalWindowDays is how long before period end an active
	// subscription may be paid for again.
	RenewalWindowDays int `env:"RENEWAL_WINDOW_DAYS" envDefault:"7"`

	TrialReminderDays   []int `env:"TRIAL_REMINDER_DAYS" envDefault:"3,2,1" envSeparator:","`
	RenewalReminderDays []int `env:"RENEWAL_REMINDER_DAYS" envDefault:"7,3,1" envSeparator:","`
	DunningReminderDays []int `env:"DUNNING_REMINDER_DAYS" envDefault:"1,3,7" envSeparator:","`

	Currency       string        `env:"CURRENCY" envDefault:"TWD"`
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"15s"`

	AllowedRedirectOrigins []string `env:"ALLOWED_REDIRECT_ORIGINS" envSeparator:","`
	DefaultRedirectOrigin  string   `env:"DEFAULT_REDIRECT_ORIGIN" envDefault:"http://localhost:3000"`
}

// DefaultPolicy mirrors the envDefault tags for code that builds a Policy by hand.
func DefaultPolicy() Policy {
	return Policy{
		TrialDays:             7,
		TrialPlanCode:         "basic",
		GracePeriodDays:       30,
		DunningExpireDays:     14,
		RenewalWindowDays:     7,
		TrialReminderDays:     []int{3, 2, 1},
		RenewalReminderDays:   []int{7, 3, 1},
		DunningReminderDays:   []int{1, 3, 7},
		Currency:              "TWD",
		GatewayTimeout:        15 * time.Second,
		DefaultRedirectOrigin: "http://localhost:3000",
	}
}

const day = 24 * time.Hour

func days(n int) time.Duration { return time.Duration(n) * day }
