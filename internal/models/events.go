package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ClientEventType string

const (
	ClientEventSend          ClientEventType = "message:send"
	ClientEventEdit          ClientEventType = "message:edit"
	ClientEventDelete        ClientEventType = "message:delete"
	ClientEventTranslate     ClientEventType = "message:translate"
	ClientEventJoin          ClientEventType = "conversation:join"
	ClientEventLeave         ClientEventType = "conversation:leave"
	ClientEventTypingStart   ClientEventType = "typing:start"
	ClientEventTypingStop    ClientEventType = "typing:stop"
	ClientEventPushSubscribe ClientEventType = "push:subscribe"
)

type ServerEventType string

const (
	ServerEventAck               ServerEventType = "ack"
	ServerEventError             ServerEventType = "error"
	ServerEventMessageNew        ServerEventType = "message:new"
	ServerEventMessageEdited     ServerEventType = "message:edited"
	ServerEventMessageDeleted    ServerEventType = "message:deleted"
	ServerEventMessageTranslated ServerEventType = "message:translated"
	ServerEventTranslationFailed ServerEventType = "message:translation_failed"
	ServerEventUserStatus        ServerEventType = "user:status"
	ServerEventTypingStart       ServerEventType = "typing:start"
	ServerEventTypingStop        ServerEventType = "typing:stop"
	ServerEventJoined            ServerEventType = "conversation:joined"
	ServerEventLeft              ServerEventType = "conversation:left"
)

// ClientEnvelope is a raw frame received from a client.
type ClientEnvelope struct {
	Event ClientEventType `json:"event"`
	AckID int64           `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ClientEvent is implemented by every typed inbound event.
type ClientEvent interface {
	clientEvent()
}

type SendMessageEvent struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	ReplyToID      string `json:"replyToId,omitempty"`
}

type EditMessageEvent struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type DeleteMessageEvent struct {
	MessageID string `json:"messageId"`
}

type TranslateMessageEvent struct {
	MessageID      string `json:"messageId"`
	TargetLanguage string `json:"targetLanguage"`
}

type JoinConversationEvent struct {
	ConversationID string `json:"conversationId"`
}

type LeaveConversationEvent struct {
	ConversationID string `json:"conversationId"`
}

type TypingStartEvent struct {
	ConversationID string `json:"conversationId"`
}

type TypingStopEvent struct {
	ConversationID string `json:"conversationId"`
}

type PushSubscribeEvent struct {
	Endpoint string   `json:"endpoint"`
	Keys     PushKeys `json:"keys"`
}

// PushKeys are the browser's encryption keys for a push subscription.
type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (SendMessageEvent) clientEvent()       {}
func (EditMessageEvent) clientEvent()       {}
func (DeleteMessageEvent) clientEvent()     {}
func (TranslateMessageEvent) clientEvent()  {}
func (JoinConversationEvent) clientEvent()  {}
func (LeaveConversationEvent) clientEvent() {}
func (TypingStartEvent) clientEvent()       {}
func (TypingStopEvent) clientEvent()        {}
func (PushSubscribeEvent) clientEvent()     {}

// Decode parses the envelope payload into its typed event and checks required fields.
func (e ClientEnvelope) Decode() (ClientEvent, error) {
	var (
		ev      ClientEvent
		missing string
	)
	switch e.Event {
	case ClientEventSend:
		var v SendMessageEvent
		if err := e.unmarshal(&v); err != nil {
			return nil, err
		}
		if v.ConversationID == "" {
			missing = "conversationId"
		}
		ev = v
	case ClientEventEdit:
		var v EditMessageEvent
		if err := e.unmarshal(&v); err != nil {
			return nil, err
		}
		if v.MessageID == "" {
			missing = "messageId"
		}
		ev = v
	case ClientEventDelete:
		var v DeleteMessageEvent
		if err := e.unmarshal(&v); err != nil {
			return nil, err
		}
		if v.MessageID == "" {
			missing = "messageId"
		}
		ev = v
	case ClientEventTranslate:
		var v TranslateMessageEvent
		if err := e.unmarshal(&v); err != nil {
			return nil, err
		}
		switch {
		case v.MessageID == "":
			missing = "messageId"
		case v.TargetLanguage == "":
			missing = "targetLanguage"
		}
		ev = v
	case ClientEventJoin:
		var v JoinConversationEvent
		if err := e.unmarshal(&v); err != nil {
			return nil, err
		}
		if v.ConversationID == "" {
			missing = "conversationId"
		}
		ev = v
	case ClientEventLeave:
		var v LeaveConversationEvent
		if err := e.unmarshal(&v); err != nil {
			return nil, err
		}
		if v.ConversationID == "" {
			missing = "conversationId"
		}
		ev = v
	case ClientEventTypingStart:
		var v TypingStartEvent
		if err := e.unmarshal(&v); err != nil {
			return nil, err
		}
		if v.ConversationID == "" {
			missing = "conversationId"
		}
		ev = v
	case ClientEventTypingStop:
		var v TypingStopEvent
		if err := e.unmarshal(&v); err != nil {
			return nil, err
		}
		if v.ConversationID == "" {
			missing = "conversationId"
		}
		ev = v
	case ClientEventPushSubscribe:
		var v PushSubscribeEvent
		if err := e.unmarshal(&v); err != nil {
			return nil, err
		}
		switch {
		case v.Endpoint == "":
			missing = "endpoint"
		case v.Keys.P256dh == "" || v.Keys.Auth == "":
			missing = "keys"
		}
		ev = v
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrValidation, e.Event)
	}

	if missing != "" {
		return nil, fmt.Errorf("%w: %s is required", ErrValidation, missing)
	}
	return ev, nil
}

func (e ClientEnvelope) unmarshal(v any) error {
	if len(e.Data) == 0 || strings.TrimSpace(string(e.Data)) == "null" {
		return fmt.Errorf("%w: missing payload", ErrValidation)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", ErrValidation, err)
	}
	return nil
}

// ServerEvent is a frame sent to a client.
type ServerEvent struct {
	Event ServerEventType `json:"event"`
	AckID int64           `json:"ackId,omitempty"`
	Data  any             `json:"data,omitempty"`
}

// Ack answers a client event that carried an ackId.
type Ack struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type MessageDeletedPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type TranslatedPayload struct {
	MessageID        string    `json:"messageId"`
	ConversationID   string    `json:"conversationId"`
	OriginalText     string    `json:"originalText"`
	TranslatedText   string    `json:"translatedText"`
	SourceLanguage   string    `json:"sourceLanguage"`
	TargetLanguage   string    `json:"targetLanguage"`
	TranslationModel ModelTier `json:"translationModel"`
	ConfidenceScore  float64   `json:"confidenceScore"`
	ProcessingTime   int64     `json:"processingTime"`
	Cached           bool      `json:"cached,omitempty"`
}

type TranslationFailedPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	TargetLanguage string `json:"targetLanguage"`
	Error          string `json:"error"`
}

type UserStatusPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsOnline bool   `json:"isOnline"`
}

type TypingPayload struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	ConversationID string `json:"conversationId"`
}

type MembershipPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

func NewMessageEvent(m Message) ServerEvent {
	return ServerEvent{Event: ServerEventMessageNew, Data: m}
}

func MessageEditedEvent(m Message) ServerEvent {
	return ServerEvent{Event: ServerEventMessageEdited, Data: m}
}

func MessageDeletedEvent(messageID, conversationID string) ServerEvent {
	return ServerEvent{
		Event: ServerEventMessageDeleted,
		Data:  MessageDeletedPayload{MessageID: messageID, ConversationID: conversationID},
	}
}

func TranslatedEvent(m Message, t Translation) ServerEvent {
	return ServerEvent{
		Event: ServerEventMessageTranslated,
		Data: TranslatedPayload{
			MessageID:        m.ID,
			ConversationID:   m.ConversationID,
			OriginalText:     m.Content,
			TranslatedText:   t.TranslatedContent,
			SourceLanguage:   t.SourceLanguage,
			TargetLanguage:   t.TargetLanguage,
			TranslationModel: t.ModelTier,
			ConfidenceScore:  t.ConfidenceScore,
			ProcessingTime:   t.ProcessingTimeMs,
			Cached:           t.Cached,
		},
	}
}

func TranslationFailedEvent(m Message, lang, reason string) ServerEvent {
	return ServerEvent{
		Event: ServerEventTranslationFailed,
		Data: TranslationFailedPayload{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			TargetLanguage: lang,
			Error:          reason,
		},
	}
}

func UserStatusEvent(id Identity, online bool) ServerEvent {
	return ServerEvent{
		Event: ServerEventUserStatus,
		Data:  UserStatusPayload{UserID: id.ID(), Username: id.DisplayName(), IsOnline: online},
	}
}

func TypingEvent(kind ServerEventType, id Identity, conversationID string) ServerEvent {
	return ServerEvent{
		Event: kind,
		Data:  TypingPayload{UserID: id.ID(), Username: id.DisplayName(), ConversationID: conversationID},
	}
}

func MembershipEvent(kind ServerEventType, identityID, conversationID string) ServerEvent {
	return ServerEvent{
		Event: kind,
		Data:  MembershipPayload{ConversationID: conversationID, UserID: identityID},
	}
}

func ErrorEvent(message string) ServerEvent {
	return ServerEvent{Event: ServerEventError, Data: ErrorPayload{Message: message}}
}

func AckEvent(ackID int64, ack Ack) ServerEvent {
	return ServerEvent{Event: ServerEventAck, AckID: ackID, Data: ack}
}
