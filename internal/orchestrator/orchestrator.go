// Package orchestrator persists chat messages, broadcasts them to their room and
// translates them asynchronously into the languages the room needs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"meeshy/internal/content"
	"meeshy/internal/metrics"
	"meeshy/internal/models"
	"meeshy/internal/rooms"
	"meeshy/internal/translate"
)

const (
	defaultMaxMessageLength = 2000
	defaultConcurrency      = 8
	defaultCacheTTL         = time.Hour
)

// Store is the persistence the orchestrator reads and writes.
type Store interface {
	CreateMessage(m models.Message) (models.Message, error)
	GetMessage(id string) (models.Message, error)
	UpdateMessage(m models.Message) error
	DeleteMessage(id string) (models.Message, error)
	UpsertTranslation(t models.Translation) (bool, error)
	GetTranslation(messageID, targetLanguage string) (models.Translation, error)
	DeleteTranslations(messageID string) error
	ListMemberIdentities(conversationID string) ([]models.Identity, error)
	UpsertPushSubscription(s models.PushSubscription) error
}

// Rooms checks membership and reaches the connections joined to a conversation.
type Rooms interface {
	VerifyAccess(ctx context.Context, identity models.Identity, conversationID string) (models.Membership, error)
	ConnectionsOf(conversationID string) []rooms.Member
	Broadcast(conversationID string, ev models.ServerEvent, exceptConnID string) int
}

// Sender delivers an event to a single connection without blocking.
type Sender interface {
	Send(connID string, ev models.ServerEvent) bool
}

// Translator is the translation backend.
type Translator interface {
	Translate(ctx context.Context, req translate.Request) (translate.Result, error)
}

// Presence reports whether an identity has a live connection.
type Presence interface {
	IsOnline(identityID string) bool
}

// Notifier alerts identities with no live connection about a new message.
type Notifier interface {
	NotifyMessage(ctx context.Context, identityID string, msg models.Message) (int, error)
}

// Config tunes an Orchestrator. Zero values take defaults.
type Config struct {
	MaxMessageLength int
	// Concurrency caps simultaneous translation backend calls.
	Concurrency int
	CacheTTL    time.Duration
}

// Deps are the collaborators of an Orchestrator. Notifier and Metrics are optional.
type Deps struct {
	Store      Store
	Rooms      Rooms
	Sender     Sender
	Translator Translator
	Presence   Presence
	Notifier   Notifier
	Metrics    *metrics.Metrics
}

// Orchestrator owns the message lifecycle and the translation tasks of messages.
type Orchestrator struct {
	cfg        Config
	store      Store
	rooms      Rooms
	sender     Sender
	translator Translator
	presence   Presence
	notifier   Notifier
	metrics    *metrics.Metrics

	tasks  *taskSet
	convMu *keyedMutex
	flight singleflight.Group
	sem    *semaphore.Weighted
	cache  geche.Geche[string, translate.Result]
	wg     sync.WaitGroup

	now func() time.Time
}

// New builds an Orchestrator. Background translations stop when ctx is done.
func New(ctx context.Context, cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = defaultMaxMessageLength
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}

	return &Orchestrator{
		cfg:        cfg,
		store:      deps.Store,
		rooms:      deps.Rooms,
		sender:     deps.Sender,
		translator: deps.Translator,
		presence:   deps.Presence,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		tasks:      newTaskSet(ctx),
		convMu:     newKeyedMutex(),
		sem:        semaphore.NewWeighted(int64(cfg.Concurrency)),
		cache:      geche.NewMapTTLCache[string, translate.Result](ctx, cfg.CacheTTL, time.Minute),
		now:        time.Now,
	}
}

// SendMessage validates, persists and broadcasts a new message, then starts
// translating it in the background.
func (o *Orchestrator) SendMessage(ctx context.Context, identity models.Identity, req models.SendMessageEvent) (models.Message, error) {
	text, err := content.PrepareMessage(req.Content, o.cfg.MaxMessageLength)
	if err != nil {
		return models.Message{}, err
	}

	membership, err := o.rooms.VerifyAccess(ctx, identity, req.ConversationID)
	if err != nil {
		return models.Message{}, err
	}
	if !membership.CanSend() {
		return models.Message{}, fmt.Errorf("%w: sending is not allowed in this conversation", models.ErrAccessDenied)
	}

	if req.ReplyToID != "" {
		parent, err := o.store.GetMessage(req.ReplyToID)
		if err != nil {
			return models.Message{}, err
		}
		if parent.IsDeleted || parent.ConversationID != req.ConversationID {
			return models.Message{}, fmt.Errorf("%w: reply target %s", models.ErrNotFound, req.ReplyToID)
		}
	}

	msg := models.Message{
		ID:               uuid.NewString(),
		ConversationID:   req.ConversationID,
		SenderName:       identity.DisplayName(),
		Content:          text,
		OriginalLanguage: identity.PreferredLanguage(),
		CreatedAt:        o.now().UnixMilli(),
		ReplyToID:        req.ReplyToID,
	}
	if identity.IsAnonymous() {
		msg.AnonymousSenderID = identity.ID()
	} else {
		msg.SenderID = identity.ID()
	}

	unlock := o.convMu.Lock(msg.ConversationID)
	stored, err := o.store.CreateMessage(msg)
	if err != nil {
		unlock()
		slog.Error("failed to persist message", "conversation_id", msg.ConversationID, "error", err)
		return models.Message{}, err
	}
	t, release := o.tasks.begin(stored.ID)
	o.rooms.Broadcast(stored.ConversationID, models.NewMessageEvent(stored), "")
	unlock()

	o.metrics.MessageProcessed("sent")
	slog.Debug("message sent", "message_id", stored.ID, "conversation_id", stored.ConversationID, "seq", stored.Seq)

	o.fanOut(stored, t, release, true)
	return stored, nil
}

// EditMessage replaces the content of a message. Earlier translations are
// dropped and in-flight ones discarded before the message is translated again.
func (o *Orchestrator) EditMessage(ctx context.Context, identity models.Identity, req models.EditMessageEvent) (models.Message, error) {
	text, err := content.PrepareMessage(req.Content, o.cfg.MaxMessageLength)
	if err != nil {
		return models.Message{}, err
	}

	msg, err := o.authorize(ctx, identity, req.MessageID)
	if err != nil {
		return models.Message{}, err
	}

	unlock := o.convMu.Lock(msg.ConversationID)
	// A delete may have landed since authorize read the row.
	msg, err = o.store.GetMessage(msg.ID)
	if err != nil {
		unlock()
		return models.Message{}, err
	}
	if msg.IsDeleted {
		unlock()
		return models.Message{}, fmt.Errorf("%w: message %s", models.ErrNotFound, msg.ID)
	}
	if msg.Content == text {
		unlock()
		return msg, nil
	}

	msg.Content = text
	msg.IsEdited = true
	msg.EditedAt = o.now().UnixMilli()

	if err := o.store.UpdateMessage(msg); err != nil {
		unlock()
		return models.Message{}, err
	}
	o.tasks.invalidate(msg.ID)
	if err := o.store.DeleteTranslations(msg.ID); err != nil {
		slog.Error("failed to drop translations of edited message", "message_id", msg.ID, "error", err)
	}
	t, release := o.tasks.begin(msg.ID)
	o.rooms.Broadcast(msg.ConversationID, models.MessageEditedEvent(msg), "")
	unlock()

	o.metrics.MessageProcessed("edited")
	o.fanOut(msg, t, release, false)
	return msg, nil
}

// DeleteMessage soft deletes a message, cancels its translations and tells the room.
func (o *Orchestrator) DeleteMessage(ctx context.Context, identity models.Identity, req models.DeleteMessageEvent) error {
	msg, err := o.authorize(ctx, identity, req.MessageID)
	if err != nil {
		return err
	}

	unlock := o.convMu.Lock(msg.ConversationID)
	defer unlock()
	if _, err := o.store.DeleteMessage(msg.ID); err != nil {
		return err
	}
	if o.tasks.invalidate(msg.ID) {
		slog.Debug("cancelled translations of deleted message", "message_id", msg.ID)
	}
	if err := o.store.DeleteTranslations(msg.ID); err != nil {
		slog.Error("failed to drop translations of deleted message", "message_id", msg.ID, "error", err)
	}
	o.rooms.Broadcast(msg.ConversationID, models.MessageDeletedEvent(msg.ID, msg.ConversationID), "")

	o.metrics.MessageProcessed("deleted")
	return nil
}

// authorize loads a live message that identity may modify: its author or a
// privileged member of the conversation.
func (o *Orchestrator) authorize(ctx context.Context, identity models.Identity, messageID string) (models.Message, error) {
	if messageID == "" {
		return models.Message{}, fmt.Errorf("%w: messageId is required", models.ErrValidation)
	}
	msg, err := o.store.GetMessage(messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.IsDeleted {
		return models.Message{}, fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
	}

	membership, err := o.rooms.VerifyAccess(ctx, identity, msg.ConversationID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.AuthorID() != identity.ID() && !membership.Privileged() {
		return models.Message{}, fmt.Errorf("%w: only the author or a moderator can change this message", models.ErrAccessDenied)
	}
	return msg, nil
}

// RequestTranslation translates one message on demand and sends the result to
// connID only. It joins any in-flight translation of the same pair.
func (o *Orchestrator) RequestTranslation(ctx context.Context, identity models.Identity, connID string, req models.TranslateMessageEvent) (models.Translation, error) {
	lang := strings.TrimSpace(req.TargetLanguage)
	if err := content.ValidateLanguage(lang); err != nil {
		return models.Translation{}, err
	}
	if req.MessageID == "" {
		return models.Translation{}, fmt.Errorf("%w: messageId is required", models.ErrValidation)
	}

	msg, err := o.store.GetMessage(req.MessageID)
	if err != nil {
		return models.Translation{}, err
	}
	if msg.IsDeleted {
		return models.Translation{}, fmt.Errorf("%w: message %s", models.ErrNotFound, req.MessageID)
	}
	if _, err := o.rooms.VerifyAccess(ctx, identity, msg.ConversationID); err != nil {
		return models.Translation{}, err
	}
	if lang == msg.OriginalLanguage {
		return models.Translation{}, fmt.Errorf("%w: message is already in %s", models.ErrValidation, lang)
	}

	t, release := o.tasks.begin(msg.ID)
	defer release()

	tr, err := o.resolve(ctx, t, msg, lang)
	switch {
	case errors.Is(err, errDiscarded):
		return models.Translation{}, fmt.Errorf("%w: message %s changed", models.ErrNotFound, msg.ID)
	case err != nil:
		return models.Translation{}, err
	}

	o.sender.Send(connID, models.TranslatedEvent(msg, tr))
	return tr, nil
}

// SubscribePush stores a Web Push endpoint for an authenticated user.
func (o *Orchestrator) SubscribePush(identity models.Identity, req models.PushSubscribeEvent) error {
	if identity.IsAnonymous() {
		return fmt.Errorf("%w: anonymous participants cannot subscribe to push", models.ErrAccessDenied)
	}
	if !strings.HasPrefix(req.Endpoint, "https://") || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		return fmt.Errorf("%w: endpoint and keys are required", models.ErrValidation)
	}
	return o.store.UpsertPushSubscription(models.PushSubscription{
		IdentityID: identity.ID(),
		Endpoint:   req.Endpoint,
		P256dh:     req.Keys.P256dh,
		Auth:       req.Keys.Auth,
	})
}

// Wait blocks until every background translation has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// InFlight returns the number of messages with live translation tasks.
func (o *Orchestrator) InFlight() int {
	return o.tasks.inFlight()
}
