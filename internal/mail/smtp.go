package mail

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTPOptions configures an SMTPMailer.
type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
}

// SMTPMailer sends download links through an SMTP relay.
type SMTPMailer struct {
	addr    string
	host    string
	auth    smtp.Auth
	from    *mail.Address
	subject string
	now     func() time.Time
	send    func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates an SMTPMailer. Authentication is only used when a
// username is set.
func NewSMTPMailer(opts SMTPOptions) (*SMTPMailer, error) {
	if opts.Host == "" {
		return nil, errors.New("smtp mailer requires a host")
	}
	from, err := mail.ParseAddress(opts.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", opts.From, err)
	}
	port := opts.Port
	if port == 0 {
		port = 587
	}

	m := &SMTPMailer{
		addr:    net.JoinHostPort(opts.Host, strconv.Itoa(port)),
		host:    opts.Host,
		from:    from,
		subject: opts.Subject,
		now:     time.Now,
		send:    smtp.SendMail,
	}
	if opts.Username != "" {
		m.auth = smtp.PlainAuth("", opts.Username, opts.Password, opts.Host)
	}
	return m, nil
}

// Deliver sends a message with downloadURL to recipient. net/smtp has no
// context support, so ctx is only checked before dialing.
func (m *SMTPMailer) Deliver(ctx context.Context, recipient, downloadURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to, err := mail.ParseAddress(recipient)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", recipient, err)
	}

	msg := m.message(to, downloadURL)
	if err := m.send(m.addr, m.auth, m.from.Address, []string{to.Address}, msg); err != nil {
		return fmt.Errorf("sending mail via %s: %w", m.addr, err)
	}
	return nil
}

func (m *SMTPMailer) message(to *mail.Address, downloadURL string) []byte {
	var b strings.Builder
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	header("From", m.from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", m.subject))
	header("Date", m.now().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.WriteString(body(downloadURL))
	return []byte(b.String())
}
