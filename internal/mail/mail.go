// Package mail delivers the account emails of the control plane: password
// reset links and email verification links.
package mail

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"
)

type Message struct {
	To      string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

type Config struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password" env:"SMTP_PASSWORD"`
	From      string `yaml:"from"`
	TLSPolicy string `yaml:"tls_policy"` // mandatory, opportunistic or none.
	BaseURL   string `yaml:"base_url"`   // Public URL links in emails point to.
}

// Enabled reports whether an SMTP relay is configured.
func (c Config) Enabled() bool {
	return c.Host != ""
}

func tlsPolicy(s string) (gomail.TLSPolicy, error) {
	switch strings.ToLower(s) {
	case "", "mandatory":
		return gomail.TLSMandatory, nil
	case "opportunistic":
		return gomail.TLSOpportunistic, nil
	case "none":
		return gomail.NoTLS, nil
	}
	return gomail.TLSMandatory, fmt.Errorf("unknown tls policy %q", s)
}

// SMTPMailer sends through an SMTP relay with go-mail.
type SMTPMailer struct {
	client *gomail.Client
	from   string
	logger *zap.Logger
}

func NewSMTPMailer(cfg Config, logger *zap.Logger) (*SMTPMailer, error) {
	policy, err := tlsPolicy(cfg.TLSPolicy)
	if err != nil {
		return nil, err
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}

	opts := []gomail.Option{
		gomail.WithPort(port),
		gomail.WithTLSPolicy(policy),
		gomail.WithTimeout(10 * time.Second),
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}

	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create mail client: %w", err)
	}
	return &SMTPMailer{client: client, from: cfg.From, logger: logger.Named("mail")}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	out := gomail.NewMsg()
	if err := out.From(m.from); err != nil {
		return fmt.Errorf("failed to set From address: %w", err)
	}
	if err := out.To(msg.To); err != nil {
		return fmt.Errorf("failed to set To address: %w", err)
	}
	out.Subject(msg.Subject)
	out.SetBodyString(gomail.TypeTextPlain, msg.Body)

	if err := m.client.DialAndSendWithContext(ctx, out); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	m.logger.Debug("email sent", zap.String("to", msg.To), zap.String("subject", msg.Subject))
	return nil
}

// LogMailer is the development mailer. It logs the recipient and subject
// and never the body, which carries the token.
type LogMailer struct {
	logger *zap.Logger
}

func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger.Named("mail")}
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info("email not sent, no SMTP relay configured",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject))
	return nil
}

// Composer renders the account emails.
type Composer struct {
	baseURL string
	appName string
}

func NewComposer(baseURL string) *Composer {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Composer{baseURL: strings.TrimRight(baseURL, "/"), appName: "Inkwell"}
}

func (c *Composer) link(path, token string) string {
	return c.baseURL + path + "?token=" + url.QueryEscape(token)
}

func (c *Composer) PasswordReset(to, token string, ttl time.Duration) Message {
	return Message{
		To:      to,
		Subject: c.appName + " password reset",
		Body: fmt.Sprintf(
			"Someone asked to reset the password of your %s account.\n\n"+
				"Open this link within %s to choose a new password:\n%s\n\n"+
				"If you did not ask for this, ignore this email.",
			c.appName, ttl.Round(time.Minute), c.link("/reset-password", token)),
	}
}

func (c *Composer) EmailVerification(to, token string, ttl time.Duration) Message {
	return Message{
		To:      to,
		Subject: "Confirm your " + c.appName + " email address",
		Body: fmt.Sprintf(
			"Open this link within %s to confirm your email address:\n%s",
			ttl.Round(time.Minute), c.link("/verify-email", token)),
	}
}
