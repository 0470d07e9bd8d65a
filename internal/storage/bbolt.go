package storage

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"confab/internal/auth"
	"confab/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers    = []byte("users")
	bucketMessages = []byte("messages")
	bucketPushSubs = []byte("push_subscriptions")
)

// PushSubscription is a stored web-push endpoint for one user agent.
type PushSubscription struct {
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUsers); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketPushSubs); err != nil {
			return err
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

// UpsertCredentials stores new or updated user credentials.
func (s *BboltStorage) UpsertCredentials(credentials auth.UserCredentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := &DBUser{
			ID:           credentials.ID,
			UserName:     credentials.UserName,
			DisplayName:  credentials.DisplayName,
			AvatarURL:    credentials.AvatarURL,
			LastSeen:     credentials.Presence.LastSeen,
			PasswordHash: credentials.PasswordHash,
			Status:       string(credentials.Status),
		}

		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

// ListCredentials returns all user credentials stored in the database.
func (s *BboltStorage) ListCredentials() ([]auth.UserCredentials, error) {
	var credentials []auth.UserCredentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			credentials = append(credentials, auth.UserCredentials{
				User:         userFromDB(dbUser),
				PasswordHash: dbUser.PasswordHash,
			})
			return nil
		})
	})
	return credentials, err
}

// GetUser returns the directory record for a single user id.
func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return models.ErrNotFound
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal user %s: %w", id, err)
		}
		user = userFromDB(dbUser)
		return nil
	})
	return user, err
}

// ListUsers returns the directory records for all users.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, userFromDB(dbUser))
			return nil
		})
	})
	return users, err
}

// AppendMessage durably stores a message, assigning its per-conversation
// sequence number inside the same transaction. The returned message carries
// the assigned Seq and is the one that must be fanned out.
func (s *BboltStorage) AppendMessage(message models.Message) (models.Message, error) {
	convID := models.ConversationID(message.Sender.ID, message.Receiver.ID)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		convBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(convID))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		seq, err := convBucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to assign sequence: %w", err)
		}
		message.Seq = int64(seq)

		dbMessage := DBMessage{
			ID:         message.ID,
			Seq:        message.Seq,
			Timestamp:  message.Timestamp,
			ConvID:     convID,
			SenderID:   message.Sender.ID,
			ReceiverID: message.Receiver.ID,
			Content:    message.Content,
		}

		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return convBucket.Put(dbMessage.Key(), data)
	})
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

// ListMessages returns all messages of a conversation in persistence order.
// Records that fail to decode or miss required fields are skipped with a
// warning instead of failing the whole history load.
func (s *BboltStorage) ListMessages(convID string) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		convBucket := tx.Bucket(bucketMessages).Bucket([]byte(convID))
		if convBucket == nil {
			return nil // No messages for this conversation
		}

		return convBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				slog.Warn("skipping undecodable message record", "conversation", convID, "error", err)
				return nil
			}
			if dbMsg.ID == "" || dbMsg.SenderID == "" || dbMsg.ReceiverID == "" || dbMsg.Content == "" {
				slog.Warn("skipping malformed message record", "conversation", convID, "seq", dbMsg.Seq)
				return nil
			}
			messages = append(messages, models.Message{
				ID:        dbMsg.ID,
				Seq:       dbMsg.Seq,
				Timestamp: dbMsg.Timestamp,
				Sender:    models.UserRef{ID: dbMsg.SenderID},
				Receiver:  models.UserRef{ID: dbMsg.ReceiverID},
				Content:   dbMsg.Content,
			})
			return nil
		})
	})
	return messages, err
}

func (s *BboltStorage) UpsertPushSubscription(sub PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPushSubs)
		dbSub := &DBPushSubscription{
			UserID:   sub.UserID,
			Endpoint: sub.Endpoint,
			P256dh:   sub.P256dh,
			Auth:     sub.Auth,
		}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbSub.Key(), data)
	})
}

func (s *BboltStorage) ListPushSubscriptions(userID string) ([]PushSubscription, error) {
	var subs []PushSubscription
	prefix := []byte(userID + "|")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPushSubs).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var dbSub DBPushSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				slog.Warn("skipping undecodable push subscription", "user_id", userID, "error", err)
				continue
			}
			subs = append(subs, PushSubscription{
				UserID:   dbSub.UserID,
				Endpoint: dbSub.Endpoint,
				P256dh:   dbSub.P256dh,
				Auth:     dbSub.Auth,
			})
		}
		return nil
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(userID, endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sub := DBPushSubscription{UserID: userID, Endpoint: endpoint}
		return tx.Bucket(bucketPushSubs).Delete(sub.Key())
	})
}

func userFromDB(dbUser DBUser) models.User {
	return models.User{
		ID:          dbUser.ID,
		UserName:    dbUser.UserName,
		DisplayName: dbUser.DisplayName,
		AvatarURL:   dbUser.AvatarURL,
		Presence: models.Presence{
			LastSeen: dbUser.LastSeen,
		},
		Status: models.UserStatus(dbUser.Status),
	}
}
