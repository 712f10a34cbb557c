package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/ariefcatur/bizhub-orders/internal/logger"
	"github.com/ariefcatur/bizhub-orders/internal/orders"
)

const emailSubject = "BizHub Notification"

// Sender delivers one message to one recipient over a single channel.
type Sender interface {
	Send(ctx context.Context, recipient, message string) error
}

type EmailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// EmailSender sends plain-text mail over SMTP.
type EmailSender struct {
	cfg  EmailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailSender(cfg EmailConfig) *EmailSender {
	return &EmailSender{cfg: cfg, send: smtp.SendMail}
}

func (s *EmailSender) Send(_ context.Context, recipient, message string) error {
	if recipient == "" {
		return fmt.Errorf("email recipient missing")
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)
	return s.send(addr, auth, s.cfg.From, []string{recipient}, buildMessage(s.cfg.From, recipient, emailSubject, message))
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// LogSender writes the message to the log instead of a provider.
type LogSender struct {
	channel orders.Channel
	log     *logger.Logger
}

func NewLogSender(channel orders.Channel, log *logger.Logger) *LogSender {
	if log == nil {
		log = logger.Nop()
	}
	return &LogSender{channel: channel, log: log}
}

func (s *LogSender) Send(ctx context.Context, recipient, message string) error {
	if recipient == "" {
		return fmt.Errorf("%s recipient missing", s.channel)
	}
	s.log.Info(s.log.WithFields(ctx, map[string]any{
		"channel":   string(s.channel),
		"recipient": recipient,
		"message":   message,
	}), "notification delivered")
	return nil
}

// Router picks the Sender for a notification's channel.
type Router struct {
	Email Sender
	SMS   Sender
}

func (r Router) Deliver(ctx context.Context, n orders.Notification) error {
	var s Sender
	switch n.Channel {
	case orders.ChannelEmail:
		s = r.Email
	case orders.ChannelSMS:
		s = r.SMS
	default:
		return fmt.Errorf("unknown notification channel %q", n.Channel)
	}
	if s == nil {
		return fmt.Errorf("no sender for channel %s", n.Channel)
	}
	return s.Send(ctx, n.Recipient, n.Message)
}
