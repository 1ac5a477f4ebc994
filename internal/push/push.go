package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"meeshy/internal/content"
	"meeshy/internal/models"
)

const (
	defaultTTL = 60 * 60
	bodyLength = 140
)

type Store interface {
	ListPushSubscriptions(identityID string) ([]models.PushSubscription, error)
	DeletePushSubscription(identityID, endpoint string) error
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
	// TTL in seconds the push service keeps an undelivered notification.
	TTL int
}

// Notification is the JSON payload delivered to the service worker.
type Notification struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type Notifier struct {
	cfg    Config
	store  Store
	client webpush.HTTPClient
}

func NewNotifier(cfg Config, store Store) (*Notifier, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, errors.New("push: VAPID keys are required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	return &Notifier{cfg: cfg, store: store, client: http.DefaultClient}, nil
}

// NotifyMessage pushes a new message notice to every subscription of identityID
// and returns how many were accepted. Endpoints reported gone are removed.
func (n *Notifier) NotifyMessage(ctx context.Context, identityID string, msg models.Message) (int, error) {
	subs, err := n.store.ListPushSubscriptions(identityID)
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		return 0, nil
	}

	payload, err := json.Marshal(Notification{
		Title:          msg.SenderName,
		Body:           content.Truncate(msg.Content, bodyLength),
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
	})
	if err != nil {
		return 0, fmt.Errorf("push: marshal notification: %w", err)
	}

	var (
		sent int
		errs []error
	)
	for _, sub := range subs {
		ok, err := n.send(ctx, sub, payload)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, errors.Join(errs...)
}

func (n *Notifier) send(ctx context.Context, sub models.PushSubscription, payload []byte) (bool, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      n.client,
		Subscriber:      n.cfg.Subscriber,
		VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
		TTL:             n.cfg.TTL,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		return false, fmt.Errorf("push: send to %s: %w", sub.Endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		slog.Info("push subscription expired", "identity_id", sub.IdentityID, "endpoint", sub.Endpoint)
		if err := n.store.DeletePushSubscription(sub.IdentityID, sub.Endpoint); err != nil {
			return false, err
		}
		return false, nil
	case resp.StatusCode >= 300:
		return false, fmt.Errorf("push: endpoint %s returned %d", sub.Endpoint, resp.StatusCode)
	}
	return true, nil
}
