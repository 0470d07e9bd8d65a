// Package push nudges offline recipients through the Web Push protocol.
// Delivery is strictly best-effort: a failed notification is logged and
// dropped, it never surfaces back to the message sender.
package push

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"confab/internal/models"
	"confab/internal/storage"
)

type SubscriptionStore interface {
	UpsertPushSubscription(sub storage.PushSubscription) error
	ListPushSubscriptions(userID string) ([]storage.PushSubscription, error)
	DeletePushSubscription(userID, endpoint string) error
}

type Config struct {
	// VAPID key pair, base64url encoded. Both empty disables the service.
	PublicKey  string
	PrivateKey string
	// Subscriber is a contact URI (mailto: or https:) sent to push services.
	Subscriber string
}

type Service struct {
	cfg   Config
	store SubscriptionStore
}

func NewService(cfg Config, store SubscriptionStore) *Service {
	return &Service{cfg: cfg, store: store}
}

// Enabled reports whether a VAPID key pair is configured. Without one the
// service still accepts subscriptions but Notify is a no-op.
func (s *Service) Enabled() bool {
	return s.cfg.PublicKey != "" && s.cfg.PrivateKey != ""
}

func (s *Service) PublicKey() string {
	return s.cfg.PublicKey
}

func (s *Service) Subscribe(userID string, sub storage.PushSubscription) error {
	if sub.Endpoint == "" || sub.P256dh == "" || sub.Auth == "" {
		return models.NewValidationError("incomplete push subscription")
	}
	sub.UserID = userID
	if err := s.store.UpsertPushSubscription(sub); err != nil {
		return fmt.Errorf("failed to store push subscription: %w", err)
	}
	return nil
}

// notification is the payload the service worker unpacks.
type notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag"`
}

// Notify pushes a new-message hint to every subscription the user has.
// Gone endpoints are pruned, everything else is logged and forgotten.
func (s *Service) Notify(userID string, message models.Message) {
	if !s.Enabled() {
		return
	}

	subs, err := s.store.ListPushSubscriptions(userID)
	if err != nil {
		slog.Error("failed to list push subscriptions", "user_id", userID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(notification{
		Title: messageTitle(message),
		Body:  message.Content,
		Tag:   models.ConversationID(message.Sender.ID, message.Receiver.ID),
	})
	if err != nil {
		slog.Error("failed to encode push payload", "error", err)
		return
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256dh,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      s.cfg.Subscriber,
			VAPIDPublicKey:  s.cfg.PublicKey,
			VAPIDPrivateKey: s.cfg.PrivateKey,
			TTL:             3600,
		})
		if err != nil {
			slog.Warn("push delivery failed", "user_id", userID, "error", err)
			continue
		}
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			// The push service dropped this subscription, stop retrying it.
			if err := s.store.DeletePushSubscription(userID, sub.Endpoint); err != nil {
				slog.Warn("failed to prune stale push subscription", "user_id", userID, "error", err)
			}
		} else if resp.StatusCode >= 400 {
			slog.Warn("push service rejected notification", "user_id", userID, "status", resp.StatusCode)
		}
		_ = resp.Body.Close()
	}
}

func messageTitle(message models.Message) string {
	name := message.Sender.DisplayName
	if name == "" {
		name = message.Sender.UserName
	}
	if name == "" {
		name = "Someone"
	}
	return fmt.Sprintf("New message from %s", name)
}
