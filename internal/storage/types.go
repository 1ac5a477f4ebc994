package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"

	"meeshy/internal/models"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID                          string `msgpack:"id"`
	UserName                    string `msgpack:"userName"`
	DisplayName                 string `msgpack:"displayName"`
	SystemLanguage              string `msgpack:"systemLanguage"`
	RegionalLanguage            string `msgpack:"regionalLanguage"`
	CustomDestinationLanguage   string `msgpack:"customDestinationLanguage"`
	AutoTranslateEnabled        bool   `msgpack:"autoTranslateEnabled"`
	TranslateToSystemLanguage   bool   `msgpack:"translateToSystemLanguage"`
	TranslateToRegionalLanguage bool   `msgpack:"translateToRegionalLanguage"`
	UseCustomDestination        bool   `msgpack:"useCustomDestination"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func (u *DBUser) model() models.User {
	return models.User{
		ID:                          u.ID,
		UserName:                    u.UserName,
		DisplayName:                 u.DisplayName,
		SystemLanguage:              u.SystemLanguage,
		RegionalLanguage:            u.RegionalLanguage,
		CustomDestinationLanguage:   u.CustomDestinationLanguage,
		AutoTranslateEnabled:        u.AutoTranslateEnabled,
		TranslateToSystemLanguage:   u.TranslateToSystemLanguage,
		TranslateToRegionalLanguage: u.TranslateToRegionalLanguage,
		UseCustomDestination:        u.UseCustomDestination,
	}
}

type DBParticipant struct {
	ID             string `msgpack:"id"`
	SessionToken   string `msgpack:"sessionToken"`
	DisplayName    string `msgpack:"displayName"`
	Language       string `msgpack:"language"`
	ConversationID string `msgpack:"conversationId"`
}

func (p *DBParticipant) Key() []byte {
	return []byte(p.ID)
}

func (p *DBParticipant) MarshalBinary() (data []byte, err error) {
	type alias DBParticipant
	return msgpack.Marshal((*alias)(p))
}

func (p *DBParticipant) UnmarshalBinary(data []byte) error {
	type alias DBParticipant
	return msgpack.Unmarshal(data, (*alias)(p))
}

func (p *DBParticipant) model() models.AnonymousParticipant {
	return models.AnonymousParticipant{
		ID:             p.ID,
		SessionToken:   p.SessionToken,
		DisplayName:    p.DisplayName,
		Language:       p.Language,
		ConversationID: p.ConversationID,
	}
}

type DBMembership struct {
	ConversationID  string `msgpack:"conversationId"`
	IdentityID      string `msgpack:"identityId"`
	Anonymous       bool   `msgpack:"anonymous"`
	Role            string `msgpack:"role"`
	CanSendMessages bool   `msgpack:"canSendMessages"`
	CanSendFiles    bool   `msgpack:"canSendFiles"`
	CanSendImages   bool   `msgpack:"canSendImages"`
	Active          bool   `msgpack:"active"`
}

// Key is relative to the conversation bucket.
func (m *DBMembership) Key() []byte {
	return []byte(m.IdentityID)
}

func (m *DBMembership) MarshalBinary() (data []byte, err error) {
	type alias DBMembership
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMembership) UnmarshalBinary(data []byte) error {
	type alias DBMembership
	return msgpack.Unmarshal(data, (*alias)(m))
}

func (m *DBMembership) model() models.Membership {
	return models.Membership{
		ConversationID:  m.ConversationID,
		IdentityID:      m.IdentityID,
		Anonymous:       m.Anonymous,
		Role:            models.MemberRole(m.Role),
		CanSendMessages: m.CanSendMessages,
		CanSendFiles:    m.CanSendFiles,
		CanSendImages:   m.CanSendImages,
		Active:          m.Active,
	}
}

type DBConversation struct {
	ID      string `msgpack:"id"`
	LastSeq int64  `msgpack:"lastSeq"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID                string `msgpack:"id"`
	Seq               int64  `msgpack:"seq"`
	ConversationID    string `msgpack:"conversationId"`
	SenderID          string `msgpack:"senderId"`
	AnonymousSenderID string `msgpack:"anonymousSenderId"`
	SenderName        string `msgpack:"senderName"`
	Content           string `msgpack:"content"`
	OriginalLanguage  string `msgpack:"originalLanguage"`
	CreatedAt         int64  `msgpack:"createdAt"`
	EditedAt          int64  `msgpack:"editedAt"`
	IsEdited          bool   `msgpack:"isEdited"`
	IsDeleted         bool   `msgpack:"isDeleted"`
	ReplyToID         string `msgpack:"replyToId"`
}

// Key is relative to the conversation bucket.
func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func newDBMessage(m models.Message) DBMessage {
	return DBMessage{
		ID:                m.ID,
		Seq:               m.Seq,
		ConversationID:    m.ConversationID,
		SenderID:          m.SenderID,
		AnonymousSenderID: m.AnonymousSenderID,
		SenderName:        m.SenderName,
		Content:           m.Content,
		OriginalLanguage:  m.OriginalLanguage,
		CreatedAt:         m.CreatedAt,
		EditedAt:          m.EditedAt,
		IsEdited:          m.IsEdited,
		IsDeleted:         m.IsDeleted,
		ReplyToID:         m.ReplyToID,
	}
}

func (m *DBMessage) model() models.Message {
	return models.Message{
		ID:                m.ID,
		Seq:               m.Seq,
		ConversationID:    m.ConversationID,
		SenderID:          m.SenderID,
		AnonymousSenderID: m.AnonymousSenderID,
		SenderName:        m.SenderName,
		Content:           m.Content,
		OriginalLanguage:  m.OriginalLanguage,
		CreatedAt:         m.CreatedAt,
		EditedAt:          m.EditedAt,
		IsEdited:          m.IsEdited,
		IsDeleted:         m.IsDeleted,
		ReplyToID:         m.ReplyToID,
	}
}

// DBMessageRef locates a message by id.
type DBMessageRef struct {
	ConversationID string `msgpack:"conversationId"`
	Seq            int64  `msgpack:"seq"`
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBTranslation struct {
	MessageID         string  `msgpack:"messageId"`
	SourceLanguage    string  `msgpack:"sourceLanguage"`
	TargetLanguage    string  `msgpack:"targetLanguage"`
	TranslatedContent string  `msgpack:"translatedContent"`
	ModelTier         string  `msgpack:"modelTier"`
	ConfidenceScore   float64 `msgpack:"confidenceScore"`
	ProcessingTimeMs  int64   `msgpack:"processingTimeMs"`
	Cached            bool    `msgpack:"cached"`
	CreatedAt         int64   `msgpack:"createdAt"`
}

// Key is relative to the message bucket.
func (t *DBTranslation) Key() []byte {
	return []byte(t.TargetLanguage)
}

func (t *DBTranslation) MarshalBinary() (data []byte, err error) {
	type alias DBTranslation
	return msgpack.Marshal((*alias)(t))
}

func (t *DBTranslation) UnmarshalBinary(data []byte) error {
	type alias DBTranslation
	return msgpack.Unmarshal(data, (*alias)(t))
}

func (t *DBTranslation) model() models.Translation {
	return models.Translation{
		MessageID:         t.MessageID,
		SourceLanguage:    t.SourceLanguage,
		TargetLanguage:    t.TargetLanguage,
		TranslatedContent: t.TranslatedContent,
		ModelTier:         models.ModelTier(t.ModelTier),
		ConfidenceScore:   t.ConfidenceScore,
		ProcessingTimeMs:  t.ProcessingTimeMs,
		Cached:            t.Cached,
		CreatedAt:         t.CreatedAt,
	}
}

type DBPresence struct {
	IdentityID string `msgpack:"identityId"`
	Online     bool   `msgpack:"online"`
	LastSeen   int64  `msgpack:"lastSeen"`
	LastActive int64  `msgpack:"lastActive"`
}

func (p *DBPresence) Key() []byte {
	return []byte(p.IdentityID)
}

func (p *DBPresence) MarshalBinary() (data []byte, err error) {
	type alias DBPresence
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPresence) UnmarshalBinary(data []byte) error {
	type alias DBPresence
	return msgpack.Unmarshal(data, (*alias)(p))
}

type DBPushSubscription struct {
	IdentityID string `msgpack:"identityId"`
	Endpoint   string `msgpack:"endpoint"`
	P256dh     string `msgpack:"p256dh"`
	Auth       string `msgpack:"auth"`
}

// Key is relative to the identity bucket.
func (s *DBPushSubscription) Key() []byte {
	return []byte(s.Endpoint)
}

func (s *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}
