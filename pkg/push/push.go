package push

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trainhub-realtime/pkg/logger"
	"trainhub-realtime/pkg/metrics"
)

// Notifier delivers a push notification to every device of one user
type Notifier interface {
	Send(ctx context.Context, notification *Notification) error
}

// Notification represents a push notification addressed to a user
type Notification struct {
	UserID   string            `json:"user_id"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	TTL      time.Duration     `json:"-"`
}

// NewCallOffer builds the high-priority notification for an incoming call
func NewCallOffer(recipientID, callID, callerName, kind string, ttl time.Duration) *Notification {
	return &Notification{
		UserID:   recipientID,
		Title:    "Incoming " + kind + " call",
		Body:     fmt.Sprintf("%s is calling you", callerName),
		Priority: "high",
		Sound:    "ringtone",
		TTL:      ttl,
		Data: map[string]string{
			"type":        "call_offer",
			"call_id":     callID,
			"caller_name": callerName,
			"call_kind":   kind,
		},
	}
}

// ProviderType names a push backend
type ProviderType string

const (
	ProviderTypeLog      ProviderType = "log"
	ProviderTypeFirebase ProviderType = "firebase"
)

// NewNotifier creates the notifier selected by provider. Firebase falls back to
// logging when credentials are missing.
func NewNotifier(ctx context.Context, provider, projectID string) Notifier {
	switch ProviderType(provider) {
	case ProviderTypeFirebase:
		n, err := NewFirebaseNotifier(ctx, projectID)
		if err != nil {
			logger.Warn("Firebase push unavailable, falling back to log notifier", zap.Error(err))
			return &LogNotifier{}
		}
		return n
	case ProviderTypeLog:
		return &LogNotifier{}
	default:
		logger.Warn("Unknown push provider type, falling back to log notifier",
			zap.String("provider_type", provider))
		return &LogNotifier{}
	}
}

// LogNotifier only logs notifications. It is the development default.
type LogNotifier struct{}

func (n *LogNotifier) Send(ctx context.Context, notification *Notification) error {
	logger.FromContext(ctx).Info("Push notification (log only)",
		zap.String("user_id", notification.UserID),
		zap.String("title", notification.Title),
		zap.Any("data", notification.Data))
	metrics.PushNotificationsTotal.WithLabelValues(string(ProviderTypeLog), "success").Inc()
	return nil
}
