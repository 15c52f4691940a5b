package email

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DevSender writes each message to dir as an .html body plus a .json
// envelope.
type DevSender struct {
	dir string
	now func() time.Time
}

func NewDevSender(dir string) *DevSender {
	return &DevSender{dir: dir, now: time.Now}
}

type envelope struct {
	Timestamp string `json:"timestamp"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Tag       string `json:"tag,omitempty"`
	TextBody  string `json:"text_body,omitempty"`
}

func (d *DevSender) Send(_ context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create dir: %v", ErrSendFailed, err)
	}

	now := d.now()
	label := m.Tag
	if label == "" {
		label = m.Subject
	}
	base := filepath.Join(d.dir, now.Format("2006_01_02_150405.000000000")+"_"+fileSafe(label))

	if err := os.WriteFile(base+".html", []byte(m.HTMLBody), 0o644); err != nil {
		return fmt.Errorf("%w: write body: %v", ErrSendFailed, err)
	}
	meta, err := json.MarshalIndent(envelope{
		Timestamp: now.Format(time.RFC3339),
		To:        m.To,
		Subject:   m.Subject,
		Tag:       m.Tag,
		TextBody:  m.TextBody,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode envelope: %v", ErrSendFailed, err)
	}
	if err := os.WriteFile(base+".json", meta, 0o644); err != nil {
		return fmt.Errorf("%w: write envelope: %v", ErrSendFailed, err)
	}
	return nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\-_.]`)

func fileSafe(s string) string {
	s = unsafeChars.ReplaceAllString(strings.ReplaceAll(s, " ", "_"), "")
	if len(s) > 80 {
		s = s[:80]
	}
	if s == "" {
		return "message"
	}
	return strings.ToLower(s)
}
