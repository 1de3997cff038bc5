// Package mailer delivers plain-text/HTML messages through an outbound relay.
package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"
)

// Relay hands a fully prepared Message to a delivery service.
type Relay interface {
	Send(ctx context.Context, m *Message) error
}

// Message is a single outbound email. Text is required, HTML is an optional
// alternative part.
type Message struct {
	From        string
	To          string
	ReplyTo     string
	ReplyToName string
	Subject     string
	Text        string
	HTML        string
	ReferenceID string // set as X-Reference-ID
}

var ErrNoRecipient = errors.New("message has no recipient")

// Msg converts m into a go-mail message ready to be written or sent.
func (m *Message) Msg() (*mail.Msg, error) {
	if m.To == "" {
		return nil, ErrNoRecipient
	}
	msg := mail.NewMsg()
	if err := msg.From(m.From); err != nil {
		return nil, fmt.Errorf("bad from address: %w", err)
	}
	if err := msg.To(m.To); err != nil {
		return nil, fmt.Errorf("bad to address: %w", err)
	}
	if m.ReplyTo != "" {
		var err error
		if m.ReplyToName != "" {
			err = msg.ReplyToFormat(m.ReplyToName, m.ReplyTo)
		} else {
			err = msg.ReplyTo(m.ReplyTo)
		}
		if err != nil {
			return nil, fmt.Errorf("bad reply-to address: %w", err)
		}
	}
	msg.Subject(m.Subject)
	msg.SetMessageID()
	msg.SetDate()
	if m.ReferenceID != "" {
		msg.SetGenHeader(mail.Header("X-Reference-ID"), m.ReferenceID)
	}
	msg.SetBodyString(mail.TypeTextPlain, m.Text)
	if m.HTML != "" {
		msg.AddAlternativeString(mail.TypeTextHTML, m.HTML)
	}
	return msg, nil
}
