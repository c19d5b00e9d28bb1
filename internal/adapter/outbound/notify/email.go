package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	mail "github.com/wneessen/go-mail"

	"github.com/sark-labs/sark/internal/domain/mfa"
	"github.com/sark-labs/sark/internal/domain/principal"
	"github.com/sark-labs/sark/internal/port/outbound"
)

const emailName = "email"

// EmailConfig configures the SMTP channel, shared by the alert
// notifier and the challenge deliverer.
type EmailConfig struct {
	// Host is the SMTP server.
	Host string
	// Port is the submission port; zero means 587.
	Port int
	// From is the sender address.
	From string
	// Username and Password authenticate when the server requires it.
	Username string
	Password string
	// AlertTo lists the operator addresses that receive alerts.
	// Challenge mail ignores it and goes to the principal.
	AlertTo []string
}

// EmailNotifier sends operator alerts over SMTP.
type EmailNotifier struct {
	cfg    EmailConfig
	client *mail.Client
	logger *slog.Logger
}

var _ outbound.Notifier = (*EmailNotifier)(nil)

// NewEmailNotifier validates cfg and builds the notifier.
func NewEmailNotifier(cfg EmailConfig, logger *slog.Logger) (*EmailNotifier, error) {
	if len(cfg.AlertTo) == 0 {
		return nil, errors.New("email: at least one alert recipient is required")
	}
	client, err := newMailClient(cfg)
	if err != nil {
		return nil, err
	}
	return &EmailNotifier{cfg: cfg, client: client, logger: logger}, nil
}

// newMailClient validates the shared SMTP settings and builds the
// client. STARTTLS is used whenever the server offers it; plain auth
// only when credentials are configured.
func newMailClient(cfg EmailConfig) (*mail.Client, error) {
	if cfg.Host == "" {
		return nil, errors.New("email: smtp host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("email: sender address is required")
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTimeout(notifyTimeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("email: build smtp client: %w", err)
	}
	return client, nil
}

// Name identifies the channel in logs and health output.
func (n *EmailNotifier) Name() string { return emailName }

// Notify sends one alert to the configured operator recipients.
func (n *EmailNotifier) Notify(ctx context.Context, alert outbound.Notification) error {
	subject := fmt.Sprintf("[sark %s] %s", alert.Severity, alert.Title)
	if err := sendMail(ctx, n.client, n.cfg.From, n.cfg.AlertTo, subject, alertBody(alert)); err != nil {
		return err
	}
	n.logger.Debug("alert notified", "channel", emailName, "severity", alert.Severity)
	return nil
}

// sendMail builds and sends one plain-text message.
func sendMail(ctx context.Context, client *mail.Client, from string, to []string, subject, body string) error {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return fmt.Errorf("email: sender address: %w", err)
	}
	if err := msg.To(to...); err != nil {
		return fmt.Errorf("email: recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	return nil
}

// alertBody renders the alert as plain text, identity fields first,
// detail keys in stable order after.
func alertBody(alert outbound.Notification) string {
	var b strings.Builder
	b.WriteString(alert.Body)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Severity: %s\n", alert.Severity)
	if alert.PrincipalID != "" {
		fmt.Fprintf(&b, "Principal: %s\n", alert.PrincipalID)
	}
	if alert.RequestID != "" {
		fmt.Fprintf(&b, "Request: %s\n", alert.RequestID)
	}
	if !alert.Timestamp.IsZero() {
		fmt.Fprintf(&b, "At: %s\n", alert.Timestamp.UTC().Format(time.RFC3339))
	}

	keys := make([]string, 0, len(alert.Details))
	for key := range alert.Details {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "%s: %v\n", key, alert.Details[key])
	}
	return b.String()
}

// EmailChallengeDeliverer emails 6-digit challenge codes to the
// principal's directory address.
type EmailChallengeDeliverer struct {
	cfg       EmailConfig
	client    *mail.Client
	directory principal.Store
	logger    *slog.Logger
}

var _ mfa.Deliverer = (*EmailChallengeDeliverer)(nil)

// NewEmailChallengeDeliverer validates cfg and builds the deliverer.
func NewEmailChallengeDeliverer(cfg EmailConfig, directory principal.Store, logger *slog.Logger) (*EmailChallengeDeliverer, error) {
	client, err := newMailClient(cfg)
	if err != nil {
		return nil, err
	}
	return &EmailChallengeDeliverer{cfg: cfg, client: client, directory: directory, logger: logger}, nil
}

// Deliver emails the challenge code. Principals without a directory
// address cannot use the email method.
func (d *EmailChallengeDeliverer) Deliver(ctx context.Context, challenge *mfa.Challenge) error {
	p, err := d.directory.GetPrincipal(ctx, challenge.PrincipalID)
	if err != nil {
		return fmt.Errorf("email: resolve principal %s: %w", challenge.PrincipalID, err)
	}
	if p.Email == "" {
		return fmt.Errorf("email: principal %s has no address on file", challenge.PrincipalID)
	}
	subject := "Your sark verification code"
	if err := sendMail(ctx, d.client, d.cfg.From, []string{p.Email}, subject, challengeBody(challenge)); err != nil {
		return err
	}
	d.logger.Debug("challenge delivered",
		"channel", emailName,
		"challenge_id", challenge.ID,
		"principal_id", challenge.PrincipalID,
	)
	return nil
}

// challengeBody renders the challenge mail. The code is the whole
// message; everything else is orientation for the recipient.
func challengeBody(challenge *mfa.Challenge) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your verification code is %s.\n\n", challenge.Code)
	if challenge.Action != "" {
		fmt.Fprintf(&b, "Requested action: %s\n", challenge.Action)
	}
	fmt.Fprintf(&b, "The code expires at %s.\n", challenge.ExpiresAt.UTC().Format(time.RFC3339))
	b.WriteString("If you did not request this, contact your administrator.\n")
	return b.String()
}
