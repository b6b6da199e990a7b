// Package mail delivers download links to recipients.
package mail

import (
	"context"
	"fmt"
	"strings"

	"photodrop/internal/bundle"
	"photodrop/internal/config"
)

// NewFromConfig creates a Mailer implementation based on the mail config type.
func NewFromConfig(cfg config.MailConfig, logger bundle.Logger) (bundle.Mailer, error) {
	switch cfg.Type {
	case "log":
		return NewLogMailer(logger), nil
	case "smtp":
		return NewSMTPMailer(SMTPOptions{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.From,
			Subject:  cfg.Subject,
		})
	default:
		return nil, fmt.Errorf("unknown mail type: %s", cfg.Type)
	}
}

// LogMailer writes download links to the log instead of sending them.
// Useful for development and for operators who forward links by hand.
type LogMailer struct {
	logger bundle.Logger
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(logger bundle.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// Deliver logs the link at info level.
func (m *LogMailer) Deliver(ctx context.Context, recipient, downloadURL string) error {
	m.logger.Info("download link", "recipient", recipient, "url", downloadURL)
	return nil
}

// body renders the plain text message sent to a recipient.
func body(downloadURL string) string {
	var b strings.Builder
	b.WriteString("Hello,\r\n\r\n")
	b.WriteString("Your photos are ready. Download them as a single zip file here:\r\n\r\n")
	b.WriteString(downloadURL)
	b.WriteString("\r\n\r\n")
	b.WriteString("The link expires after a while. If it no longer works, ask for a new one.\r\n")
	return b.String()
}

var (
	_ bundle.Mailer = (*LogMailer)(nil)
	_ bundle.Mailer = (*SMTPMailer)(nil)
)
