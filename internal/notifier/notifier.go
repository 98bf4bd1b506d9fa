package notifier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nikoksr/notify"
	"github.com/nikoksr/notify/service/mail"
	"github.com/saviobatista/fleetsync/internal/config"
	"github.com/saviobatista/fleetsync/internal/types"
)

// Sender delivers one message
type Sender interface {
	Send(ctx context.Context, subject, message string) error
}

// Notifier e-mails high severity security alerts
type Notifier struct {
	newSender func() Sender
	logger    *slog.Logger
}

// New creates a notifier sending through SMTP. It returns nil when no host
// or recipients are configured.
func New(cfg config.SMTPConfig, logger *slog.Logger) *Notifier {
	if cfg.Host == "" || len(cfg.Recipients) == 0 {
		return nil
	}
	return NewWithSender(func() Sender {
		// notify accumulates receivers, so every message gets a fresh service
		svc := mail.New(cfg.User, fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
		if cfg.User != "" {
			svc.AuthenticateSMTP("", cfg.User, cfg.Password, cfg.Host)
		}
		svc.AddReceivers(cfg.Recipients...)

		n := notify.New()
		n.UseServices(svc)
		return n
	}, logger)
}

// NewWithSender creates a notifier with a custom sender factory (useful for testing)
func NewWithSender(newSender func() Sender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{newSender: newSender, logger: logger.With("component", "notifier")}
}

// ShouldNotify reports whether an alert is severe enough to e-mail
func ShouldNotify(alert types.SecurityAlert) bool {
	if alert.Status != types.AlertNew {
		return false
	}
	return alert.Severity == types.SeverityHigh || alert.Severity == types.SeverityCritical
}

// Format renders the subject and body of an alert e-mail
func Format(alert types.SecurityAlert) (subject, body string) {
	subject = fmt.Sprintf("[Fleet] %s %s: vehicle %s", alert.Severity, alert.Type, alert.VehicleID)
	body = fmt.Sprintf(
		"%s\n\nVehicle: %s\nTrip: %s\nSession: %s\nLocation: %.6f, %.6f\nTime: %s\nAlert: %s",
		alert.Message,
		alert.VehicleID,
		alert.TripID,
		alert.SessionID,
		alert.Location.Lat, alert.Location.Lng,
		alert.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"),
		alert.ID,
	)
	return subject, body
}

// Notify sends alert if it qualifies. It reports whether a message was sent.
func (n *Notifier) Notify(ctx context.Context, alert types.SecurityAlert) (bool, error) {
	if !ShouldNotify(alert) {
		return false, nil
	}
	subject, body := Format(alert)
	if err := n.newSender().Send(ctx, subject, body); err != nil {
		return false, fmt.Errorf("failed to send alert %s: %w", alert.ID, err)
	}
	n.logger.Info("alert e-mailed", "alert_id", alert.ID, "type", alert.Type, "vehicle_id", alert.VehicleID)
	return true, nil
}

// Run notifies every qualifying alert from alerts until ctx is done or the
// channel closes. Send failures are logged and skipped.
func (n *Notifier) Run(ctx context.Context, alerts <-chan types.SecurityAlert) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-alerts:
			if !ok {
				return
			}
			if _, err := n.Notify(ctx, alert); err != nil {
				n.logger.Error("send email failed", "alert_id", alert.ID, "error", err)
			}
		}
	}
}
