package chat

import (
	"fmt"
	"sort"

	"confab/internal/content"
	"confab/internal/models"
)

// History serves the ordered message transcript of a conversation and the
// transient room subscriptions around it.
type History struct {
	store     MessageStore
	directory Directory
}

func NewHistory(store MessageStore, directory Directory) *History {
	return &History{
		store:     store,
		directory: directory,
	}
}

// Join subscribes a session to the conversation with a peer. Only the two
// participants can join, which holds by construction: the subscriber's
// side of the pair is taken from its authenticated session, never from
// the payload.
func (h *History) Join(sess *Session, peerID string) error {
	if peerID == "" {
		return models.NewValidationError("peer is required")
	}
	if peerID == sess.UserID {
		return models.NewValidationError("cannot open a conversation with yourself")
	}
	if _, err := h.directory.GetUser(peerID); err != nil {
		return models.NewValidationError("unknown peer")
	}

	sess.JoinRoom(models.ConversationID(sess.UserID, peerID))
	return nil
}

// History returns all stored messages between the pair in ascending
// order, with sender and receiver resolved to full identities. Reading is
// idempotent: two calls with no intervening send return the same sequence.
func (h *History) History(userID, peerID string) ([]models.Message, error) {
	convID := models.ConversationID(userID, peerID)

	messages, err := h.store.ListMessages(convID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	// The store yields persistence order already; sorting by Seq restates
	// the contract and protects against a backend without that guarantee.
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Seq < messages[j].Seq
	})

	for i := range messages {
		messages[i].Sender = h.directory.Ref(messages[i].Sender.ID)
		messages[i].Receiver = h.directory.Ref(messages[i].Receiver.ID)
		messages[i].ContentHTML = content.Render(messages[i].Content)
	}

	return messages, nil
}
