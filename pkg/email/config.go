package email

// Config selects the mail transport. Without a server token messages are
// written to DevDir instead of being sent.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"BILLING_SENDER_EMAIL" envDefault:"billing@localhost"`
	SupportEmail         string `env:"BILLING_SUPPORT_EMAIL" envDefault:"support@localhost"`
	DevDir               string `env:"MAIL_DEV_DIR" envDefault:"./tmp/mail"`
}

// Enabled reports whether Postmark credentials are configured.
func (c Config) Enabled() bool {
	return c.PostmarkServerToken != ""
}
