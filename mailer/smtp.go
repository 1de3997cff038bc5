package mailer

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
)

const smtpsPort = 465

// SMTPConfig describes an authenticated SMTP relay.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	SSL      bool        // implicit TLS, always on for port 465
	TLS      *tls.Config // nil uses go-mail's default for Host
}

func (c SMTPConfig) implicitTLS() bool {
	return c.SSL || c.Port == smtpsPort
}

// SMTP sends each message over a fresh connection to the relay. STARTTLS is
// used when the server offers it, implicit TLS on port 465.
type SMTP struct {
	cfg SMTPConfig
	log zerolog.Logger
}

func NewSMTP(cfg SMTPConfig, log zerolog.Logger) *SMTP {
	return &SMTP{cfg: cfg, log: log.With().Str("component", "smtp").Logger()}
}

func (s *SMTP) options() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(s.cfg.Username),
		mail.WithPassword(s.cfg.Password),
	}
	if s.cfg.implicitTLS() {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if s.cfg.TLS != nil {
		opts = append(opts, mail.WithTLSConfig(s.cfg.TLS))
	}
	return opts
}

func (s *SMTP) Send(ctx context.Context, m *Message) error {
	msg, err := m.Msg()
	if err != nil {
		return err
	}
	client, err := mail.NewClient(s.cfg.Host, s.options()...)
	if err != nil {
		return fmt.Errorf("smtp client for %s: %w", s.cfg.Host, err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send via %s:%d: %w", s.cfg.Host, s.cfg.Port, err)
	}
	s.log.Debug().Str("ref", m.ReferenceID).Msg("relayed message")
	return nil
}
