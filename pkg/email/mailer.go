package email

import (
	"context"

	"github.com/dmitrymomot/campaignbilling/pkg/validator"
)

// Sender delivers one transactional message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Message is a rendered e-mail.
type Message struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
	TextBody string `json:"text_body,omitempty"`
	// Tag groups messages in provider statistics.
	Tag string `json:"tag,omitempty"`
}

func (m Message) Validate() error {
	return validator.Apply(
		validator.Email("to", m.To),
		validator.Required("subject", m.Subject),
		validator.MaxLen("subject", m.Subject, 200),
		validator.Required("html_body", m.HTMLBody),
		validator.MaxLen("tag", m.Tag, 1000),
	)
}
