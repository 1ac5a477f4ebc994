package ws

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"meeshy/internal/metrics"
	"meeshy/internal/models"
	"meeshy/internal/orchestrator"
	"meeshy/internal/presence"
	"meeshy/internal/rooms"
	"meeshy/internal/typing"
)

// Hub owns the realtime state of one server: live connections, rooms,
// typing episodes and the message orchestrator. Connections reach all of
// it through the hub.
type Hub struct {
	registry     *presence.Registry
	rooms        *rooms.Index
	typing       *typing.Tracker
	orchestrator *orchestrator.Orchestrator
	metrics      *metrics.Metrics

	mu     sync.Mutex
	closed bool
}

type HubConfig struct {
	Registry     *presence.Registry
	Rooms        *rooms.Index
	Typing       *typing.Tracker
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Metrics
}

func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		registry:     cfg.Registry,
		rooms:        cfg.Rooms,
		typing:       cfg.Typing,
		orchestrator: cfg.Orchestrator,
		metrics:      cfg.Metrics,
	}
}

// Attach registers a connection. The identity goes online with its first connection.
func (h *Hub) Attach(c *Connection) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if err := h.registry.Register(c); err != nil {
		return err
	}
	slog.Info("connection attached", "conn_id", c.ID(), "identity_id", c.Identity().ID())
	return nil
}

// Detach removes every trace of a connection: typing episodes, rooms and
// the registry entry. It is safe to call more than once.
func (h *Hub) Detach(c *Connection) {
	stopped := h.typing.StopConnection(c.ID())
	left := h.rooms.LeaveAll(c.ID())
	h.registry.Deregister(c.ID())
	slog.Info("connection detached", "conn_id", c.ID(), "identity_id", c.Identity().ID(), "rooms", len(left), "typing", stopped)
}

func (h *Hub) Touch(c *Connection) {
	h.registry.Touch(c.ID())
}

// Close stops accepting connections and closes the live ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	if n := h.registry.CloseAll(); n > 0 {
		slog.Info("closed live connections", "connections", n)
	}
}

// Dispatch routes one inbound event and answers it. Panics are contained
// here so that one bad event never takes the connection down.
func (h *Hub) Dispatch(ctx context.Context, c *Connection, env models.ClientEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while handling event", "conn_id", c.ID(), "event", env.Event, "panic", r, "stack", string(debug.Stack()))
			h.metrics.EventHandled(env.Event, CodeInternal)
			c.Send(models.ErrorEvent(internalErrorText))
		}
	}()

	h.registry.Touch(c.ID())

	data, err := h.handle(ctx, c, env)
	result := "ok"
	if err != nil {
		result, _ = classify(err)
		slog.Debug("event rejected", "conn_id", c.ID(), "event", env.Event, "error", err)
	}
	h.metrics.EventHandled(env.Event, result)
	c.reply(env, data, err)
}

func (h *Hub) handle(ctx context.Context, c *Connection, env models.ClientEnvelope) (any, error) {
	ev, err := env.Decode()
	if err != nil {
		return nil, err
	}
	identity := c.Identity()

	switch ev := ev.(type) {
	case models.SendMessageEvent:
		msg, err := h.orchestrator.SendMessage(ctx, identity, ev)
		if err != nil {
			return nil, err
		}
		h.typing.Stop(identity, ev.ConversationID)
		return map[string]any{"messageId": msg.ID, "seq": msg.Seq}, nil

	case models.EditMessageEvent:
		if _, err := h.orchestrator.EditMessage(ctx, identity, ev); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case models.DeleteMessageEvent:
		if err := h.orchestrator.DeleteMessage(ctx, identity, ev); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case models.TranslateMessageEvent:
		return h.orchestrator.RequestTranslation(ctx, identity, c.ID(), ev)

	case models.JoinConversationEvent:
		if _, err := h.rooms.Join(ctx, c.ID(), identity, ev.ConversationID); err != nil {
			return nil, err
		}
		return map[string]string{"conversationId": ev.ConversationID}, nil

	case models.LeaveConversationEvent:
		h.typing.StopRoom(c.ID(), ev.ConversationID)
		h.rooms.Leave(c.ID(), ev.ConversationID)
		return map[string]string{"conversationId": ev.ConversationID}, nil

	case models.TypingStartEvent:
		if !h.rooms.IsJoined(c.ID(), ev.ConversationID) {
			return nil, fmt.Errorf("%w: join %s before typing", models.ErrAccessDenied, ev.ConversationID)
		}
		h.typing.Start(c.ID(), identity, ev.ConversationID)
		return nil, nil

	case models.TypingStopEvent:
		h.typing.Stop(identity, ev.ConversationID)
		return nil, nil

	case models.PushSubscribeEvent:
		if err := h.orchestrator.SubscribePush(identity, ev); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	default:
		return nil, fmt.Errorf("unhandled event type %T", ev)
	}
}
