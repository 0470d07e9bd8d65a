package chat

import (
	"fmt"
	"strings"
	"time"

	"confab/internal/content"
	"confab/internal/models"

	"github.com/google/uuid"
)

// MessageStore persists messages durably before any fan-out.
type MessageStore interface {
	AppendMessage(message models.Message) (models.Message, error)
	ListMessages(convID string) ([]models.Message, error)
}

// Directory resolves user references for validation and rendering.
type Directory interface {
	GetUser(id string) (models.User, error)
	Ref(id string) models.UserRef
}

// Notifier nudges a receiver who does not have the conversation on
// screen about a new message.
// Failures are the notifier's problem; the router never waits for it.
type Notifier interface {
	Notify(userID string, message models.Message)
}

// Router validates, persists and fans out messages. Persistence strictly
// precedes delivery: a message a receiver can see is always recoverable
// from history.
type Router struct {
	registry  *Registry
	store     MessageStore
	directory Directory
	notifier  Notifier

	now func() time.Time
}

func NewRouter(registry *Registry, store MessageStore, directory Directory, notifier Notifier) *Router {
	return &Router{
		registry:  registry,
		store:     store,
		directory: directory,
		notifier:  notifier,
		now:       time.Now,
	}
}

// Send processes one message from a live session. Validation errors are
// returned to the caller and never broadcast. After persistence succeeds
// the finalized message is pushed to all live sessions of the receiver
// and echoed to all live sessions of the sender; the originating client
// reconciles the echo against its optimistic copy.
func (rt *Router) Send(sess *Session, p models.SendPayload) (models.Message, error) {
	body := strings.TrimSpace(p.Content)
	if body == "" {
		return models.Message{}, models.NewValidationError("message content cannot be empty")
	}
	if p.SenderID != "" && p.SenderID != sess.UserID {
		return models.Message{}, models.NewValidationError("sender does not match connection identity")
	}
	if p.ReceiverID == "" {
		return models.Message{}, models.NewValidationError("receiver is required")
	}
	if p.ReceiverID == sess.UserID {
		return models.Message{}, models.NewValidationError("cannot send a message to yourself")
	}
	if _, err := rt.directory.GetUser(p.ReceiverID); err != nil {
		return models.Message{}, models.NewValidationError("unknown receiver")
	}

	message := models.Message{
		ID:        uuid.NewString(),
		TempID:    p.TempID,
		Timestamp: rt.now().UnixMilli(),
		Sender:    rt.directory.Ref(sess.UserID),
		Receiver:  rt.directory.Ref(p.ReceiverID),
		Content:   body,
	}

	stored, err := rt.store.AppendMessage(message)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to persist message: %w", err)
	}
	stored.ContentHTML = content.Render(stored.Content)

	ev := models.ServerEvent{
		Event: models.ServerEventNewMessage,
		Data:  stored,
	}

	rt.registry.Push(p.ReceiverID, ev, nil)
	rt.registry.Push(sess.UserID, ev, nil)

	// A receiver with the conversation open sees the message on screen;
	// anyone else, offline included, gets the out-of-band nudge.
	convID := models.ConversationID(sess.UserID, p.ReceiverID)
	if rt.notifier != nil && !rt.registry.InConversation(p.ReceiverID, convID) {
		go rt.notifier.Notify(p.ReceiverID, stored)
	}

	return stored, nil
}
