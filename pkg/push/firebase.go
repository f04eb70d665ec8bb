package push

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"trainhub-realtime/pkg/logger"
	"trainhub-realtime/pkg/metrics"
	"trainhub-realtime/pkg/resilience"
)

// FirebaseNotifier sends notifications through Firebase Cloud Messaging.
// Each user's devices subscribe to the topic user_<id>; iOS goes through the APNs bridge.
type FirebaseNotifier struct {
	client    *messaging.Client
	projectID string
	breaker   *resilience.Breaker
}

// NewFirebaseNotifier initializes the Firebase Admin SDK from the credentials file
// named by FIREBASE_CREDENTIALS_PATH or GOOGLE_APPLICATION_CREDENTIALS.
func NewFirebaseNotifier(ctx context.Context, projectID string) (*FirebaseNotifier, error) {
	credentialsPath := os.Getenv("FIREBASE_CREDENTIALS_PATH")
	if credentialsPath == "" {
		credentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
	if credentialsPath == "" {
		return nil, fmt.Errorf("FIREBASE_CREDENTIALS_PATH not set")
	}

	credentials, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read Firebase credentials: %w", err)
	}

	if projectID == "" {
		var creds struct {
			ProjectID string `json:"project_id"`
		}
		if err := json.Unmarshal(credentials, &creds); err != nil {
			return nil, fmt.Errorf("failed to parse Firebase credentials: %w", err)
		}
		projectID = creds.ProjectID
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, option.WithCredentialsJSON(credentials))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firebase messaging client: %w", err)
	}

	logger.Info("Firebase Admin SDK initialized", zap.String("project_id", projectID))
	return &FirebaseNotifier{
		client:    client,
		projectID: projectID,
		breaker:   resilience.NewBreaker("firebase", resilience.Options{MaxAttempts: 2}),
	}, nil
}

// Send publishes the notification to the recipient's topic
func (f *FirebaseNotifier) Send(ctx context.Context, notification *Notification) error {
	var id string
	err := f.breaker.Execute(ctx, "send", func(ctx context.Context) error {
		var err error
		id, err = f.client.Send(ctx, buildMessage(notification))
		return err
	})
	if err != nil {
		metrics.PushNotificationsTotal.WithLabelValues(string(ProviderTypeFirebase), "failure").Inc()
		logger.Warn("Failed to send Firebase message",
			zap.String("project_id", f.projectID),
			zap.String("user_id", notification.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to send push to %s: %w", notification.UserID, err)
	}

	metrics.PushNotificationsTotal.WithLabelValues(string(ProviderTypeFirebase), "success").Inc()
	logger.Debug("Firebase message sent", zap.String("message_id", id), zap.String("user_id", notification.UserID))
	return nil
}

// Topic is the FCM topic a user's devices subscribe to
func Topic(userID string) string {
	return "user_" + userID
}

// buildMessage constructs a Firebase message from a notification
func buildMessage(notification *Notification) *messaging.Message {
	data := make(map[string]string, len(notification.Data)+3)
	for k, v := range notification.Data {
		data[k] = v
	}
	data["title"] = notification.Title
	data["body"] = notification.Body
	data["timestamp"] = strconv.FormatInt(time.Now().Unix(), 10)

	android := &messaging.AndroidConfig{
		Data: data,
		Notification: &messaging.AndroidNotification{
			Title: notification.Title,
			Body:  notification.Body,
			Sound: notification.Sound,
		},
	}
	if notification.Priority != "" {
		android.Priority = notification.Priority
	}
	if notification.TTL > 0 {
		ttl := notification.TTL
		android.TTL = &ttl
	}

	apns := &messaging.APNSConfig{
		Payload: &messaging.APNSPayload{
			Aps: &messaging.Aps{
				Alert: &messaging.ApsAlert{
					Title: notification.Title,
					Body:  notification.Body,
				},
				Sound: notification.Sound,
			},
		},
	}

	webpush := &messaging.WebpushConfig{
		Data: data,
		Notification: &messaging.WebpushNotification{
			Title: notification.Title,
			Body:  notification.Body,
			Icon:  "/icon-192x192.png",
		},
	}

	return &messaging.Message{
		Data:    data,
		Android: android,
		APNS:    apns,
		Webpush: webpush,
		Topic:   Topic(notification.UserID),
	}
}
