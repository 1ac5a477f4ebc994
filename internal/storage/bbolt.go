package storage

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"meeshy/internal/models"
)

var (
	bucketUsers         = []byte("users")
	bucketParticipants  = []byte("participants")
	bucketSessions      = []byte("participant_sessions")
	bucketMemberships   = []byte("memberships")
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
	bucketTranslations  = []byte("translations")
	bucketPresence      = []byte("presence")
	bucketPush          = []byte("push_subscriptions")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers, bucketParticipants, bucketSessions, bucketMemberships, bucketConversations,
			bucketMessages, bucketMessageIndex, bucketTranslations, bucketPresence, bucketPush,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func put(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

func persistErr(op string, err error) error {
	if err == nil || errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrValidation) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", models.ErrPersistence, op, err)
}

// UpsertUser stores a new or updated user account.
func (s *BboltStorage) UpsertUser(u models.User) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketUsers), &DBUser{
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
		})
	})
	return persistErr("upsert user", err)
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = dbUser.model()
		return nil
	})
	return user, persistErr("get user", err)
}

// UpsertParticipant stores an anonymous participant and indexes its session token.
func (s *BboltStorage) UpsertParticipant(p models.AnonymousParticipant) error {
	if p.SessionToken == "" {
		return fmt.Errorf("%w: participant %s has no session token", models.ErrValidation, p.ID)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketParticipants)
		sessions := tx.Bucket(bucketSessions)

		if old := b.Get([]byte(p.ID)); old != nil {
			var prev DBParticipant
			if err := prev.UnmarshalBinary(old); err != nil {
				return err
			}
			if prev.SessionToken != p.SessionToken {
				if err := sessions.Delete([]byte(prev.SessionToken)); err != nil {
					return err
				}
			}
		}

		if err := put(b, &DBParticipant{
			ID:             p.ID,
			SessionToken:   p.SessionToken,
			DisplayName:    p.DisplayName,
			Language:       p.Language,
			ConversationID: p.ConversationID,
		}); err != nil {
			return err
		}
		return sessions.Put([]byte(p.SessionToken), []byte(p.ID))
	})
	return persistErr("upsert participant", err)
}

// GetParticipantBySession resolves an anonymous session token.
func (s *BboltStorage) GetParticipantBySession(token string) (models.AnonymousParticipant, error) {
	var participant models.AnonymousParticipant
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketSessions).Get([]byte(token))
		if id == nil {
			return fmt.Errorf("session: %w", models.ErrNotFound)
		}
		var err error
		participant, err = getParticipant(tx, id)
		return err
	})
	return participant, persistErr("get participant by session", err)
}

func getParticipant(tx *bbolt.Tx, id []byte) (models.AnonymousParticipant, error) {
	data := tx.Bucket(bucketParticipants).Get(id)
	if data == nil {
		return models.AnonymousParticipant{}, fmt.Errorf("participant %s: %w", id, models.ErrNotFound)
	}
	var dbParticipant DBParticipant
	if err := dbParticipant.UnmarshalBinary(data); err != nil {
		return models.AnonymousParticipant{}, err
	}
	return dbParticipant.model(), nil
}

// UpsertMembership saves a membership row under its conversation.
func (s *BboltStorage) UpsertMembership(m models.Membership) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convBucket, err := tx.Bucket(bucketMemberships).CreateBucketIfNotExists([]byte(m.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create membership bucket: %w", err)
		}
		return put(convBucket, &DBMembership{
			ConversationID:  m.ConversationID,
			IdentityID:      m.IdentityID,
			Anonymous:       m.Anonymous,
			Role:            string(m.Role),
			CanSendMessages: m.CanSendMessages,
			CanSendFiles:    m.CanSendFiles,
			CanSendImages:   m.CanSendImages,
			Active:          m.Active,
		})
	})
	return persistErr("upsert membership", err)
}

// GetMembership returns the membership row, active or not.
func (s *BboltStorage) GetMembership(conversationID, identityID string) (models.Membership, error) {
	var membership models.Membership
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMemberships).Bucket([]byte(conversationID))
		if convBucket == nil {
			return fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
		}
		data := convBucket.Get([]byte(identityID))
		if data == nil {
			return fmt.Errorf("membership %s/%s: %w", conversationID, identityID, models.ErrNotFound)
		}
		var dbMembership DBMembership
		if err := dbMembership.UnmarshalBinary(data); err != nil {
			return err
		}
		membership = dbMembership.model()
		return nil
	})
	return membership, persistErr("get membership", err)
}

// ListMembers returns the active memberships of a conversation.
func (s *BboltStorage) ListMembers(conversationID string) ([]models.Membership, error) {
	var members []models.Membership
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMemberships).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil
		}
		return convBucket.ForEach(func(k, v []byte) error {
			var dbMembership DBMembership
			if err := dbMembership.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMembership.Active {
				members = append(members, dbMembership.model())
			}
			return nil
		})
	})
	return members, persistErr("list members", err)
}

// ListMemberIdentities resolves the active members of a conversation to identities.
// Rows whose user or participant no longer exists are skipped.
func (s *BboltStorage) ListMemberIdentities(conversationID string) ([]models.Identity, error) {
	var identities []models.Identity
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMemberships).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil
		}
		users := tx.Bucket(bucketUsers)
		return convBucket.ForEach(func(k, v []byte) error {
			var dbMembership DBMembership
			if err := dbMembership.UnmarshalBinary(v); err != nil {
				return err
			}
			if !dbMembership.Active {
				return nil
			}
			if dbMembership.Anonymous {
				p, err := getParticipant(tx, k)
				if errors.Is(err, models.ErrNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				identities = append(identities, models.AnonymousIdentity(p))
				return nil
			}
			data := users.Get(k)
			if data == nil {
				return nil
			}
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(data); err != nil {
				return err
			}
			identities = append(identities, models.UserIdentity(dbUser.model()))
			return nil
		})
	})
	return identities, persistErr("list member identities", err)
}

// CreateMessage persists a new message, assigning the next per-conversation sequence number.
func (s *BboltStorage) CreateMessage(message models.Message) (models.Message, error) {
	if message.ConversationID == "" || message.ID == "" {
		return models.Message{}, fmt.Errorf("%w: message missing id or conversation", models.ErrValidation)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketMessageIndex)
		if index.Get([]byte(message.ID)) != nil {
			return fmt.Errorf("message %s already exists", message.ID)
		}

		convs := tx.Bucket(bucketConversations)
		conv := DBConversation{ID: message.ConversationID}
		if data := convs.Get(conv.Key()); data != nil {
			if err := conv.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
		}
		conv.LastSeq++
		message.Seq = conv.LastSeq
		if err := put(convs, &conv); err != nil {
			return err
		}

		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(message.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}
		dbMessage := newDBMessage(message)
		if err := put(convBucket, &dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		ref := DBMessageRef{ConversationID: message.ConversationID, Seq: message.Seq}
		data, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		return index.Put([]byte(message.ID), data)
	})
	if err != nil {
		return models.Message{}, persistErr("create message", err)
	}
	return message, nil
}

func (s *BboltStorage) GetMessage(id string) (models.Message, error) {
	var message models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbMessage, _, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		message = dbMessage.model()
		return nil
	})
	return message, persistErr("get message", err)
}

func getMessage(tx *bbolt.Tx, id string) (DBMessage, *bbolt.Bucket, error) {
	refData := tx.Bucket(bucketMessageIndex).Get([]byte(id))
	if refData == nil {
		return DBMessage{}, nil, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	var ref DBMessageRef
	if err := ref.UnmarshalBinary(refData); err != nil {
		return DBMessage{}, nil, err
	}
	convBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationID))
	if convBucket == nil {
		return DBMessage{}, nil, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	data := convBucket.Get(seqKey(ref.Seq))
	if data == nil {
		return DBMessage{}, nil, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	var dbMessage DBMessage
	if err := dbMessage.UnmarshalBinary(data); err != nil {
		return DBMessage{}, nil, err
	}
	return dbMessage, convBucket, nil
}

// UpdateMessage overwrites the editable fields of a live message.
// Identity, conversation, sequence and deletion state are kept from the stored
// row; a deleted message is reported as not found.
func (s *BboltStorage) UpdateMessage(message models.Message) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		stored, convBucket, err := getMessage(tx, message.ID)
		if err != nil {
			return err
		}
		if stored.IsDeleted {
			return fmt.Errorf("message %s: %w", message.ID, models.ErrNotFound)
		}
		stored.Content = message.Content
		stored.EditedAt = message.EditedAt
		stored.IsEdited = message.IsEdited
		return put(convBucket, &stored)
	})
	return persistErr("update message", err)
}

// DeleteMessage soft deletes a message and drops its translations.
func (s *BboltStorage) DeleteMessage(id string) (models.Message, error) {
	var message models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		stored, convBucket, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		if stored.IsDeleted {
			return fmt.Errorf("message %s: %w", id, models.ErrNotFound)
		}
		stored.IsDeleted = true
		stored.Content = ""
		if err := put(convBucket, &stored); err != nil {
			return err
		}
		if err := deleteTranslations(tx, id); err != nil {
			return err
		}
		message = stored.model()
		return nil
	})
	return message, persistErr("delete message", err)
}

// ListMessages returns conversation messages with from <= seq <= to.
func (s *BboltStorage) ListMessages(conversationID string, from, to int64) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil
		}

		c := convBucket.Cursor()
		maxKey := seqKey(to)
		for k, v := c.Seek(seqKey(from)); k != nil && bytes.Compare(k, maxKey) <= 0; k, v = c.Next() {
			var dbMessage DBMessage
			if err := dbMessage.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMessage.model())
		}
		return nil
	})
	return messages, persistErr("list messages", err)
}

// UpsertTranslation stores a translation keyed by (messageID, targetLanguage).
// An existing row is kept as is and created is false. Deleted messages
// take no translations.
func (s *BboltStorage) UpsertTranslation(t models.Translation) (created bool, err error) {
	err = s.db.Update(func(tx *bbolt.Tx) error {
		stored, _, err := getMessage(tx, t.MessageID)
		if err != nil {
			return err
		}
		if stored.IsDeleted {
			return fmt.Errorf("message %s: %w", t.MessageID, models.ErrNotFound)
		}
		msgBucket, err := tx.Bucket(bucketTranslations).CreateBucketIfNotExists([]byte(t.MessageID))
		if err != nil {
			return fmt.Errorf("failed to create translation bucket: %w", err)
		}
		if msgBucket.Get([]byte(t.TargetLanguage)) != nil {
			return nil
		}
		created = true
		return put(msgBucket, &DBTranslation{
			MessageID:         t.MessageID,
			SourceLanguage:    t.SourceLanguage,
			TargetLanguage:    t.TargetLanguage,
			TranslatedContent: t.TranslatedContent,
			ModelTier:         string(t.ModelTier),
			ConfidenceScore:   t.ConfidenceScore,
			ProcessingTimeMs:  t.ProcessingTimeMs,
			Cached:            t.Cached,
			CreatedAt:         t.CreatedAt,
		})
	})
	if err != nil {
		return false, persistErr("upsert translation", err)
	}
	return created, nil
}

func (s *BboltStorage) GetTranslation(messageID, targetLanguage string) (models.Translation, error) {
	var translation models.Translation
	err := s.db.View(func(tx *bbolt.Tx) error {
		msgBucket := tx.Bucket(bucketTranslations).Bucket([]byte(messageID))
		if msgBucket == nil {
			return fmt.Errorf("translation %s/%s: %w", messageID, targetLanguage, models.ErrNotFound)
		}
		data := msgBucket.Get([]byte(targetLanguage))
		if data == nil {
			return fmt.Errorf("translation %s/%s: %w", messageID, targetLanguage, models.ErrNotFound)
		}
		var dbTranslation DBTranslation
		if err := dbTranslation.UnmarshalBinary(data); err != nil {
			return err
		}
		translation = dbTranslation.model()
		return nil
	})
	return translation, persistErr("get translation", err)
}

// ListTranslations returns all translations of a message ordered by target language.
func (s *BboltStorage) ListTranslations(messageID string) ([]models.Translation, error) {
	var translations []models.Translation
	err := s.db.View(func(tx *bbolt.Tx) error {
		msgBucket := tx.Bucket(bucketTranslations).Bucket([]byte(messageID))
		if msgBucket == nil {
			return nil
		}
		return msgBucket.ForEach(func(k, v []byte) error {
			var dbTranslation DBTranslation
			if err := dbTranslation.UnmarshalBinary(v); err != nil {
				return err
			}
			translations = append(translations, dbTranslation.model())
			return nil
		})
	})
	return translations, persistErr("list translations", err)
}

func (s *BboltStorage) DeleteTranslations(messageID string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return deleteTranslations(tx, messageID)
	})
	return persistErr("delete translations", err)
}

func deleteTranslations(tx *bbolt.Tx, messageID string) error {
	b := tx.Bucket(bucketTranslations)
	if b.Bucket([]byte(messageID)) == nil {
		return nil
	}
	return b.DeleteBucket([]byte(messageID))
}

func (s *BboltStorage) UpsertPresence(p models.Presence) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketPresence), &DBPresence{
			IdentityID: p.IdentityID,
			Online:     p.Online,
			LastSeen:   p.LastSeen,
			LastActive: p.LastActive,
		})
	})
	return persistErr("upsert presence", err)
}

func (s *BboltStorage) GetPresence(identityID string) (models.Presence, error) {
	var presence models.Presence
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPresence).Get([]byte(identityID))
		if data == nil {
			return fmt.Errorf("presence %s: %w", identityID, models.ErrNotFound)
		}
		var dbPresence DBPresence
		if err := dbPresence.UnmarshalBinary(data); err != nil {
			return err
		}
		presence = models.Presence(dbPresence)
		return nil
	})
	return presence, persistErr("get presence", err)
}

func (s *BboltStorage) ListPresence() ([]models.Presence, error) {
	var presence []models.Presence
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPresence).ForEach(func(k, v []byte) error {
			var dbPresence DBPresence
			if err := dbPresence.UnmarshalBinary(v); err != nil {
				return err
			}
			presence = append(presence, models.Presence(dbPresence))
			return nil
		})
	})
	return presence, persistErr("list presence", err)
}

// UpsertPushSubscription stores a Web Push endpoint for an identity, keyed by endpoint.
func (s *BboltStorage) UpsertPushSubscription(sub models.PushSubscription) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketPush).CreateBucketIfNotExists([]byte(sub.IdentityID))
		if err != nil {
			return err
		}
		return put(b, &DBPushSubscription{
			IdentityID: sub.IdentityID,
			Endpoint:   sub.Endpoint,
			P256dh:     sub.P256dh,
			Auth:       sub.Auth,
		})
	})
	return persistErr("upsert push subscription", err)
}

func (s *BboltStorage) ListPushSubscriptions(identityID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPush).Bucket([]byte(identityID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, models.PushSubscription(dbSub))
			return nil
		})
	})
	return subs, persistErr("list push subscriptions", err)
}

// DeletePushSubscription removes an endpoint, typically after the push service reported it gone.
func (s *BboltStorage) DeletePushSubscription(identityID, endpoint string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPush).Bucket([]byte(identityID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(endpoint))
	})
	return persistErr("delete push subscription", err)
}
