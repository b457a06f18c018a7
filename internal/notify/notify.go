// Package notify delivers owner-facing notifications (trial started,
// payment failed, client suspended, ...) to the messaging service over
// an AMQP topic exchange.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/voxreseller/internal/logging"
	"github.com/mbd888/voxreseller/internal/metrics"
)

// Kind identifies a notification template. It doubles as the AMQP routing key.
type Kind string

const (
	AgencyTrialStarted  Kind = "agency.trial_started"
	AgencyActivated     Kind = "agency.activated"
	AgencyPaymentFailed Kind = "agency.payment_failed"
	AgencyCanceled      Kind = "agency.canceled"
	CommissionEarned    Kind = "agency.commission_earned"
	CommissionPaidOut   Kind = "agency.commission_paid_out"

	ClientActivated     Kind = "client.activated"
	ClientReactivated   Kind = "client.reactivated"
	ClientPaymentFailed Kind = "client.payment_failed"
	ClientSuspended     Kind = "client.suspended"
	ClientCanceled      Kind = "client.canceled"
	ClientTrialExpired  Kind = "client.trial_expired"
)

// sendTimeout bounds a single notification so it never stalls the caller.
const sendTimeout = 5 * time.Second

// Notification is the message handed to the messaging service.
type Notification struct {
	Kind       Kind           `json:"kind"`
	Recipient  string         `json:"recipient"`
	AgencyID   string         `json:"agencyId,omitempty"`
	ClientID   string         `json:"clientId,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Send delivers n without letting a failure reach the caller. It runs after
// the state change it describes has been committed; errors are logged and
// counted only. The request context's cancellation is dropped so a client
// hanging up on a webhook does not abort the send.
func Send(ctx context.Context, notifier Notifier, n Notification) {
	if notifier == nil {
		return
	}
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now().UTC()
	}
	if n.Recipient == "" {
		logging.L(ctx).Warn("notification has no recipient", "kind", n.Kind, "agency_id", n.AgencyID, "client_id", n.ClientID)
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "skipped").Inc()
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	if err := notifier.Notify(sendCtx, n); err != nil {
		logging.L(ctx).Error("notification failed", "kind", n.Kind, "agency_id", n.AgencyID, "client_id", n.ClientID, "error", err)
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "failed").Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "sent").Inc()
}

// LogNotifier writes notifications to the log. It is the fallback when no
// broker is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "kind", n.Kind, "recipient", n.Recipient, "agency_id", n.AgencyID, "client_id", n.ClientID)
	return nil
}
