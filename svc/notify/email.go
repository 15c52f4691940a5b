package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	texttemplate "text/template"

	"github.com/google/uuid"

	"github.com/dmitrymomot/campaignbilling/pkg/email"
)

// ErrNoRecipient is returned when the owner has no contact address.
var ErrNoRecipient = errors.New("notify: owner has no email address")

// Directory resolves an owner's contact address.
type Directory interface {
	OwnerEmail(ctx context.Context, ownerID uuid.UUID) (string, error)
}

// Email renders events into transactional mail.
type Email struct {
	mailer     email.Sender
	directory  Directory
	product    string
	billingURL string
}

// NewEmail sends through mailer. billingURL is linked from every message.
func NewEmail(mailer email.Sender, directory Directory, product, billingURL string) *Email {
	return &Email{mailer: mailer, directory: directory, product: product, billingURL: billingURL}
}

type mailTemplate struct {
	subject string
	body    *template.Template
}

var mailTemplates = map[Kind]mailTemplate{
	KindPaymentSucceeded: {
		subject: "{{.Product}}: payment received",
		body:    parseBody(`<p>We received your payment. Your subscription is active.</p>`),
	},
	KindPaymentFailed: {
		subject: "{{.Product}}: payment failed",
		body:    parseBody(`<p>Your payment did not go through{{with .Event.Reason}} ({{.}}){{end}}. Please try again.</p>`),
	},
	KindTrialExpiring: {
		subject: "{{.Product}}: your trial ends in {{.Event.DaysLeft}} day{{if ne .Event.DaysLeft 1}}s{{end}}",
		body:    parseBody(`<p>Your free trial ends in {{.Event.DaysLeft}} day{{if ne .Event.DaysLeft 1}}s{{end}}. Choose a plan to keep your campaigns running.</p>`),
	},
	KindSubscriptionExpiring: {
		subject: "{{.Product}}: your subscription ends in {{.Event.DaysLeft}} day{{if ne .Event.DaysLeft 1}}s{{end}}",
		body:    parseBody(`<p>Your subscription ends in {{.Event.DaysLeft}} day{{if ne .Event.DaysLeft 1}}s{{end}} and will not renew automatically.</p>`),
	},
	KindDunning: {
		subject: "{{.Product}}: payment overdue (reminder {{.Event.Stage}})",
		body:    parseBody(`<p>Your subscription payment is overdue. Pay now to avoid losing access to your campaigns.</p>`),
	},
	KindSubscriptionExpired: {
		subject: "{{.Product}}: your subscription has expired",
		body:    parseBody(`<p>Your subscription has expired. Your campaigns are kept for a grace period before they are removed.</p>`),
	},
}

func parseBody(content string) *template.Template {
	return template.Must(template.New("body").Parse(
		content + `<p><a href="{{.BillingURL}}">Manage billing</a></p>`))
}

type mailData struct {
	Product    string
	BillingURL string
	Event      Event
}

func (m *Email) Send(ctx context.Context, e Event) error {
	tpl, ok := mailTemplates[e.Kind]
	if !ok {
		return fmt.Errorf("notify: no mail template for %q", e.Kind)
	}
	to, err := m.directory.OwnerEmail(ctx, e.OwnerID)
	if err != nil {
		return fmt.Errorf("resolve recipient for owner %s: %w", e.OwnerID, err)
	}
	if to == "" {
		return ErrNoRecipient
	}
	data := mailData{Product: m.product, BillingURL: m.billingURL, Event: e}

	subject, err := renderText(tpl.subject, data)
	if err != nil {
		return err
	}
	var body bytes.Buffer
	if err := tpl.body.Execute(&body, data); err != nil {
		return fmt.Errorf("render %s body: %w", e.Kind, err)
	}
	return m.mailer.Send(ctx, email.Message{
		To:       to,
		Subject:  subject,
		HTMLBody: body.String(),
		Tag:      string(e.Kind),
	})
}

func renderText(tpl string, data mailData) (string, error) {
	t, err := texttemplate.New("subject").Parse(tpl)
	if err != nil {
		return "", err
	}
	var b bytes.Buffer
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
