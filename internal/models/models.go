package models

import (
	"errors"
	"slices"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrAccessDenied         = errors.New("access denied")
	ErrValidation           = errors.New("validation failed")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrPersistence          = errors.New("persistence failure")
	ErrRateLimited          = errors.New("rate limited")
)

// DefaultLanguage is used when an identity has no language configured.
const DefaultLanguage = "fr"

// User is a persistent account.
type User struct {
	ID                          string `json:"id"`
	UserName                    string `json:"userName"`
	DisplayName                 string `json:"displayName"`
	SystemLanguage              string `json:"systemLanguage"`
	RegionalLanguage            string `json:"regionalLanguage"`
	CustomDestinationLanguage   string `json:"customDestinationLanguage,omitempty"`
	AutoTranslateEnabled        bool   `json:"autoTranslateEnabled"`
	TranslateToSystemLanguage   bool   `json:"translateToSystemLanguage"`
	TranslateToRegionalLanguage bool   `json:"translateToRegionalLanguage"`
	UseCustomDestination        bool   `json:"useCustomDestination"`
}

// AnonymousParticipant joined a single conversation through a share link.
type AnonymousParticipant struct {
	ID             string `json:"id"`
	SessionToken   string `json:"-"`
	DisplayName    string `json:"displayName"`
	Language       string `json:"language"`
	ConversationID string `json:"conversationId"`
}

// Identity is either an authenticated user or an anonymous participant.
// Exactly one of the two fields is set.
type Identity struct {
	User      *User
	Anonymous *AnonymousParticipant
}

func UserIdentity(u User) Identity {
	return Identity{User: &u}
}

func AnonymousIdentity(p AnonymousParticipant) Identity {
	return Identity{Anonymous: &p}
}

func (i Identity) Valid() bool {
	return (i.User == nil) != (i.Anonymous == nil)
}

func (i Identity) IsAnonymous() bool {
	return i.Anonymous != nil
}

func (i Identity) ID() string {
	switch {
	case i.User != nil:
		return i.User.ID
	case i.Anonymous != nil:
		return i.Anonymous.ID
	}
	return ""
}

func (i Identity) DisplayName() string {
	switch {
	case i.User != nil:
		if i.User.DisplayName != "" {
			return i.User.DisplayName
		}
		return i.User.UserName
	case i.Anonymous != nil:
		return i.Anonymous.DisplayName
	}
	return ""
}

// PreferredLanguage is the language messages sent by this identity are written in.
func (i Identity) PreferredLanguage() string {
	var lang string
	switch {
	case i.User != nil:
		lang = i.User.SystemLanguage
	case i.Anonymous != nil:
		lang = i.Anonymous.Language
	}
	if lang == "" {
		return DefaultLanguage
	}
	return lang
}

// TargetLanguages returns the languages this identity wants a message
// written in source translated to. Custom destination wins over the
// system/regional pair; regional is skipped when it equals system.
func (i Identity) TargetLanguages(source string) []string {
	switch {
	case i.Anonymous != nil:
		if i.Anonymous.Language == "" || i.Anonymous.Language == source {
			return nil
		}
		return []string{i.Anonymous.Language}
	case i.User == nil:
		return nil
	}

	u := i.User
	if !u.AutoTranslateEnabled {
		return nil
	}
	if u.UseCustomDestination && u.CustomDestinationLanguage != "" {
		if u.CustomDestinationLanguage == source {
			return nil
		}
		return []string{u.CustomDestinationLanguage}
	}

	var langs []string
	if u.TranslateToSystemLanguage && u.SystemLanguage != "" && u.SystemLanguage != source {
		langs = append(langs, u.SystemLanguage)
	}
	if u.TranslateToRegionalLanguage && u.RegionalLanguage != "" &&
		u.RegionalLanguage != source && u.RegionalLanguage != u.SystemLanguage {
		langs = append(langs, u.RegionalLanguage)
	}
	return langs
}

// WantsLanguage reports whether lang is one of the identity's target languages for source.
func (i Identity) WantsLanguage(source, lang string) bool {
	return slices.Contains(i.TargetLanguages(source), lang)
}

// Presence is the online state of an identity.
type Presence struct {
	IdentityID string `json:"identityId"`
	Online     bool   `json:"online"`
	LastSeen   int64  `json:"lastSeen"`   // Unix timestamp (seconds)
	LastActive int64  `json:"lastActive"` // Unix timestamp (seconds)
}

type MemberRole string

const (
	MemberRoleMember    MemberRole = "member"
	MemberRoleModerator MemberRole = "moderator"
	MemberRoleAdmin     MemberRole = "admin"
)

// Membership links an identity to a conversation.
type Membership struct {
	ConversationID  string     `json:"conversationId"`
	IdentityID      string     `json:"identityId"`
	Anonymous       bool       `json:"anonymous"`
	Role            MemberRole `json:"role,omitempty"`
	CanSendMessages bool       `json:"canSendMessages"`
	CanSendFiles    bool       `json:"canSendFiles"`
	CanSendImages   bool       `json:"canSendImages"`
	Active          bool       `json:"active"`
}

// Privileged reports whether the member may edit or delete messages of others.
func (m Membership) Privileged() bool {
	return !m.Anonymous && (m.Role == MemberRoleModerator || m.Role == MemberRoleAdmin)
}

// CanSend reports whether the member may post messages.
func (m Membership) CanSend() bool {
	if m.Anonymous {
		return m.CanSendMessages
	}
	return true
}

// Message represents a chat message.
type Message struct {
	ID                string `json:"id"`
	Seq               int64  `json:"seq"`
	ConversationID    string `json:"conversationId"`
	SenderID          string `json:"senderId,omitempty"`
	AnonymousSenderID string `json:"anonymousSenderId,omitempty"`
	SenderName        string `json:"senderName,omitempty"`
	Content           string `json:"content"`
	OriginalLanguage  string `json:"originalLanguage"`
	CreatedAt         int64  `json:"createdAt"` // Unix timestamp (milliseconds)
	EditedAt          int64  `json:"editedAt,omitempty"`
	IsEdited          bool   `json:"isEdited"`
	IsDeleted         bool   `json:"isDeleted"`
	ReplyToID         string `json:"replyToId,omitempty"`
}

// AuthorID returns whichever sender id is set.
func (m Message) AuthorID() string {
	if m.SenderID != "" {
		return m.SenderID
	}
	return m.AnonymousSenderID
}

type ModelTier string

const (
	ModelTierBasic   ModelTier = "basic"
	ModelTierMedium  ModelTier = "medium"
	ModelTierPremium ModelTier = "premium"
)

// Translation is keyed by (MessageID, TargetLanguage).
type Translation struct {
	MessageID         string    `json:"messageId"`
	SourceLanguage    string    `json:"sourceLanguage"`
	TargetLanguage    string    `json:"targetLanguage"`
	TranslatedContent string    `json:"translatedContent"`
	ModelTier         ModelTier `json:"modelTier"`
	ConfidenceScore   float64   `json:"confidenceScore"`
	ProcessingTimeMs  int64     `json:"processingTimeMs"`
	Cached            bool      `json:"cached"`
	CreatedAt         int64     `json:"createdAt"`
}

// PushSubscription is a Web Push endpoint registered by a user.
type PushSubscription struct {
	IdentityID string `json:"identityId"`
	Endpoint   string `json:"endpoint"`
	P256dh     string `json:"p256dh"`
	Auth       string `json:"auth"`
}
