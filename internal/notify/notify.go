// Package notify is the alert-notifier boundary: the engine publishes
// operator-facing alerts (circuit-breaker trips, exit fills, reconciliation
// halts) through the Notifier interface and never depends on a concrete
// sink. A notifier failure is logged by the implementation and never
// propagates into the trading path.
package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Level is the alert severity.
type Level string

// Alert levels.
const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Notifier delivers operator alerts. Implementations must be safe for
// concurrent use and must never return delivery failures to the caller as
// anything other than an error to log.
type Notifier interface {
	Notify(ctx context.Context, level Level, title, message string) error
}

// Nop is a Notifier that discards everything, used when no sink is
// configured.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Level, string, string) error { return nil }

// LogNotifier writes alerts to the engine log only.
type LogNotifier struct {
	Logger *logrus.Entry
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, level Level, title, message string) error {
	entry := n.Logger.WithField("alert", title)
	switch level {
	case LevelCritical:
		entry.Error(message)
	case LevelWarning:
		entry.Warn(message)
	default:
		entry.Info(message)
	}
	return nil
}

// Webhook posts alerts to a Slack-style incoming webhook as a single
// colored attachment.
type Webhook struct {
	client *resty.Client
	url    string
	logger *logrus.Entry
}

// severityColors maps alert levels to attachment colors; unknown levels
// render as critical red so they are never easy to miss.
var severityColors = map[Level]string{
	LevelCritical: "#FF0000",
	LevelWarning:  "#FFCC00",
	LevelInfo:     "#36A64F",
}

// NewWebhook constructs a webhook notifier.
func NewWebhook(url string, logger *logrus.Entry) *Webhook {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &Webhook{
		client: resty.New().SetTimeout(5 * time.Second).SetRetryCount(2),
		url:    url,
		logger: logger.WithField("component", "notify"),
	}
}

type webhookAttachment struct {
	Color  string `json:"color"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Footer string `json:"footer"`
	TS     int64  `json:"ts"`
}

type webhookPayload struct {
	Attachments []webhookAttachment `json:"attachments"`
}

// Notify implements Notifier. A transport failure is logged and returned;
// a non-2xx response is logged as rejected and Notify returns nil. Callers
// treat returned errors as non-fatal.
func (w *Webhook) Notify(ctx context.Context, level Level, title, message string) error {
	color, ok := severityColors[level]
	if !ok {
		color = severityColors[LevelCritical]
	}
	payload := webhookPayload{
		Attachments: []webhookAttachment{{
			Color:  color,
			Title:  title,
			Text:   message,
			Footer: "tradecore",
			TS:     time.Now().Unix(),
		}},
	}
	resp, err := w.client.R().SetContext(ctx).SetBody(payload).Post(w.url)
	if err != nil {
		w.logger.WithError(err).Warn("alert delivery failed")
		return err
	}
	if resp.IsError() {
		w.logger.WithField("status", resp.StatusCode()).Warn("alert delivery rejected")
	}
	return nil
}

var (
	_ Notifier = Nop{}
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = (*Webhook)(nil)
)
