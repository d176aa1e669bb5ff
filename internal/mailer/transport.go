package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/surveyor/internal/ledger"
)

// Transport transmits one message to its recipient.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

// SMTPConfig configures SMTP submission.
type SMTPConfig struct {
	Host         string
	Port         int
	StartTLS     bool
	AuthRequired bool
	Username     string
	Password     string
	// TLSConfig overrides the STARTTLS client configuration, e.g. to trust
	// a private CA. ServerName defaults to Host.
	TLSConfig *tls.Config
}

// SMTPTransport submits messages to a relay, optionally DKIM-signing them.
type SMTPTransport struct {
	cfg    SMTPConfig
	signer *Signer
	logger *slog.Logger
}

// NewSMTPTransport creates a transport. signer may be nil.
func NewSMTPTransport(cfg SMTPConfig, signer *Signer, logger *slog.Logger) *SMTPTransport {
	return &SMTPTransport{cfg: cfg, signer: signer, logger: logger}
}

// Send builds the message and submits it in one SMTP session.
func (t *SMTPTransport) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.cfg.AuthRequired && (t.cfg.Username == "" || t.cfg.Password == "") {
		return fmt.Errorf("smtp authentication is required but no credentials are configured")
	}

	data, err := Build(msg)
	if err != nil {
		return fmt.Errorf("failed to build message: %w", err)
	}

	if t.signer != nil {
		signed, err := t.signer.Sign(data)
		if err != nil {
			t.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", t.signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	client, err := t.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	if t.cfg.AuthRequired {
		if err := client.Auth(sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)); err != nil {
			return fmt.Errorf("smtp authentication failed: %w", err)
		}
	} else {
		t.logger.Debug("sending without SMTP authentication")
	}

	if err := client.SendMail(msg.From, []string{msg.To}, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := client.Quit(); err != nil {
		t.logger.Debug("QUIT failed", "error", err)
	}

	t.logger.Info("message sent",
		"recipient_hash", ledger.HashEmail(msg.To),
		"size", len(data),
	)
	return nil
}

// dial connects to the relay, upgrading with STARTTLS when configured.
func (t *SMTPTransport) dial() (*smtp.Client, error) {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	if !t.cfg.StartTLS {
		client, err := smtp.Dial(addr)
		if err != nil {
			return nil, fmt.Errorf("connection failed to %s: %w", addr, err)
		}
		return client, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if t.cfg.TLSConfig != nil {
		tlsConfig = t.cfg.TLSConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = t.cfg.Host
	}
	client, err := smtp.DialStartTLS(addr, tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("STARTTLS connection failed to %s: %w", addr, err)
	}
	return client, nil
}

// DryRunTransport logs what would be sent. Addresses are logged hashed.
type DryRunTransport struct {
	logger *slog.Logger
}

// NewDryRunTransport creates a dry-run transport
func NewDryRunTransport(logger *slog.Logger) *DryRunTransport {
	return &DryRunTransport{logger: logger}
}

// Send logs the message
func (t *DryRunTransport) Send(ctx context.Context, msg *Message) error {
	attachments := make([]string, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, a.Filename)
	}
	attrs := []any{
		"recipient_hash", ledger.HashEmail(msg.To),
		"from", msg.From,
		"subject", msg.Subject,
		"body", msg.Text,
		"attachments", attachments,
	}
	if msg.ReplyTo != "" {
		attrs = append(attrs, "reply_to", msg.ReplyTo)
	}
	if msg.FooterImage != nil {
		attrs = append(attrs, "footer_image", msg.FooterImage.Filename)
	}
	t.logger.Debug("dry run: message not sent", attrs...)
	return nil
}
