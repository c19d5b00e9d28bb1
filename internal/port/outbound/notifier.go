package outbound

import (
	"context"
	"time"
)

// Notification is one security alert pushed to an operator channel.
type Notification struct {
	// Title is the short alert headline.
	Title string
	// Body is the human-readable detail text.
	Body string
	// Severity is the alert level: critical, warning, or log.
	Severity string
	// PrincipalID is the principal the alert concerns, when any.
	PrincipalID string
	// RequestID correlates the alert with audit events.
	RequestID string
	// Timestamp is when the alert was raised.
	Timestamp time.Time
	// Details carries structured alert context.
	Details map[string]interface{}
}

// Notifier pushes alerts to one operator channel.
// Implementations: Slack webhook, PagerDuty Events v2, SMTP email
// (notify package).
type Notifier interface {
	// Name identifies the channel in logs and health output.
	Name() string

	// Notify delivers one alert. Failures are logged and dropped;
	// alerting is best-effort and never blocks detection.
	Notify(ctx context.Context, n Notification) error
}
