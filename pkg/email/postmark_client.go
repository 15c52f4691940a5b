package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"

	"github.com/dmitrymomot/campaignbilling/pkg/validator"
)

// postmarkAPI is the part of postmark.Client the sender uses.
type postmarkAPI interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

type PostmarkSender struct {
	client postmarkAPI
	from   string
	reply  string
}

// NewPostmarkSender validates cfg and returns a Postmark backed sender.
func NewPostmarkSender(cfg Config) (*PostmarkSender, error) {
	err := validator.Apply(
		validator.Required("POSTMARK_SERVER_TOKEN", cfg.PostmarkServerToken),
		validator.Email("BILLING_SENDER_EMAIL", cfg.SenderEmail),
		validator.Email("BILLING_SUPPORT_EMAIL", cfg.SupportEmail),
	)
	if err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}
	return newPostmarkSender(postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken), cfg), nil
}

func newPostmarkSender(client postmarkAPI, cfg Config) *PostmarkSender {
	return &PostmarkSender{client: client, from: cfg.SenderEmail, reply: cfg.SupportEmail}
}

// Send delivers m. Opens are tracked; links only in the HTML part.
func (s *PostmarkSender) Send(ctx context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:       s.from,
		ReplyTo:    s.reply,
		To:         m.To,
		Subject:    m.Subject,
		Tag:        m.Tag,
		HTMLBody:   m.HTMLBody,
		TextBody:   m.TextBody,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrSendFailed, fmt.Errorf("postmark error %d: %s", resp.ErrorCode, resp.Message))
	}
	return nil
}
