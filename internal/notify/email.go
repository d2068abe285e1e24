package notify

import (
	"context"
	"fmt"
	"log"

	mail "gopkg.in/mail.v2"

	"claim-intake-server/internal/db"
)

type mailSender interface {
	DialAndSend(m ...*mail.Message) error
}

// Email sends lead alerts through an SMTP relay.
type Email struct {
	From   string
	To     []string
	sender mailSender
}

func NewEmail(host string, port int, username, password, from string, to []string) *Email {
	d := mail.NewDialer(host, port, username, password)
	d.StartTLSPolicy = mail.OpportunisticStartTLS
	return &Email{From: from, To: to, sender: d}
}

func (e *Email) NotifyLead(ctx context.Context, lead db.Lead, transcript []db.Message) error {
	body, err := Render(lead, transcript)
	if err != nil {
		return fmt.Errorf("render lead email: %w", err)
	}

	m := mail.NewMessage()
	m.SetHeader("From", e.From)
	m.SetHeader("To", e.To...)
	if lead.Email != "" {
		m.SetHeader("Reply-To", lead.Email)
	}
	m.SetHeader("Subject", Subject(lead))
	m.SetBody("text/plain", body)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send lead email: %w", err)
	}
	log.Printf("notify: emailed lead %s to %d recipient(s)", lead.ID, len(e.To))
	return nil
}
