// Package mailer delivers rendered messages over SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"strings"

	"gopkg.in/gomail.v2"

	"outreach/internal/model"
)

var (
	// ErrTransient wraps failures worth retrying: 4xx replies, connection problems.
	ErrTransient = errors.New("transient delivery failure")
	// ErrBounced wraps 5xx replies that reject the recipient address itself.
	ErrBounced = errors.New("recipient rejected")
	// ErrRejected wraps other 5xx replies.
	ErrRejected = errors.New("message rejected")
	// ErrCredentials is returned when an account's credential reference cannot be resolved.
	ErrCredentials = errors.New("credentials unavailable")
)

// Message is a rendered email ready for delivery.
type Message struct {
	MessageID string
	FromName  string
	To        string
	Subject   string
	Body      string
	Preheader string
}

// Dialer sends composed messages. *gomail.Dialer implements it.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// DialFunc builds a Dialer for an account.
type DialFunc func(a *model.SendAccount, password string) Dialer

// Mailer is the SMTP Mail Transport.
type Mailer struct {
	dial    DialFunc
	resolve func(ref string) (string, error)
	log     *slog.Logger
}

// New creates a Mailer dialing the account's SMTP server with gomail.
func New(log *slog.Logger) *Mailer {
	return NewWithDialer(func(a *model.SendAccount, password string) Dialer {
		return gomail.NewDialer(a.Host, a.Port, a.Username, password)
	}, log)
}

// NewWithDialer creates a Mailer with a custom dialer (useful for testing).
func NewWithDialer(dial DialFunc, log *slog.Logger) *Mailer {
	return &Mailer{dial: dial, resolve: ResolveCredential, log: log}
}

// Send delivers msg through account. Errors wrap ErrTransient, ErrBounced,
// ErrRejected or ErrCredentials.
func (m *Mailer) Send(ctx context.Context, account *model.SendAccount, msg Message) error {
	password, err := m.resolve(account.CredentialRef)
	if err != nil {
		return fmt.Errorf("account %s: %w: %w", account.Name, ErrCredentials, err)
	}

	gm := compose(account, msg)

	// gomail has no context support; an abandoned send finishes in the background.
	done := make(chan error, 1)
	go func() {
		done <- m.dial(account, password).DialAndSend(gm)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTransient, ctx.Err())
	case err := <-done:
		if err != nil {
			return Classify(err)
		}
	}
	m.log.Debug("message delivered", "account", account.Name, "to", msg.To, "message_id", msg.MessageID)
	return nil
}

func compose(account *model.SendAccount, msg Message) *gomail.Message {
	gm := gomail.NewMessage()
	if msg.FromName != "" {
		gm.SetAddressHeader("From", account.FromEmail, msg.FromName)
	} else {
		gm.SetHeader("From", account.FromEmail)
	}
	gm.SetHeader("To", msg.To)
	gm.SetHeader("Subject", msg.Subject)
	if msg.MessageID != "" {
		gm.SetHeader("Message-ID", "<"+msg.MessageID+">")
	}
	gm.SetBody("text/plain", msg.Body)
	if msg.Preheader != "" {
		gm.AddAlternative("text/html", htmlBody(msg.Preheader, msg.Body))
	}
	return gm
}

func htmlBody(preheader, body string) string {
	var b strings.Builder
	b.WriteString(`<div style="display:none;max-height:0;overflow:hidden">`)
	b.WriteString(html.EscapeString(preheader))
	b.WriteString("</div>\n")
	for i, line := range strings.Split(body, "\n") {
		if i > 0 {
			b.WriteString("<br>\n")
		}
		b.WriteString(html.EscapeString(line))
	}
	return b.String()
}

// Classify wraps an SMTP error with the sentinel describing how to treat it.
func Classify(err error) error {
	var proto *textproto.Error
	if errors.As(err, &proto) {
		switch {
		case proto.Code >= 400 && proto.Code < 500:
			return fmt.Errorf("%w: %w", ErrTransient, err)
		case isBounce(proto):
			return fmt.Errorf("%w: %w", ErrBounced, err)
		default:
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	// gomail reports dial failures as plain errors.
	if strings.Contains(err.Error(), "dial") || strings.Contains(err.Error(), "connection") {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return fmt.Errorf("%w: %w", ErrRejected, err)
}

var bounceHints = []string{"user unknown", "no such user", "does not exist", "mailbox unavailable", "invalid recipient"}

func isBounce(e *textproto.Error) bool {
	switch e.Code {
	case 550, 551, 553:
		return true
	}
	msg := strings.ToLower(e.Msg)
	for _, h := range bounceHints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}

// ResolveCredential turns a credential reference into a secret. "env:NAME"
// and bare "NAME" read an environment variable; "file:PATH" reads a file.
func ResolveCredential(ref string) (string, error) {
	if ref == "" {
		return "", errors.New("empty credential reference")
	}
	if path, ok := strings.CutPrefix(ref, "file:"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read credential file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	name := strings.TrimPrefix(ref, "env:")
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}
