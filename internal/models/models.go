package models

import (
	"encoding/json"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrAuthentication is terminal for a connection attempt: the caller
	// may reconnect with a fresh credential, the core never retries.
	ErrAuthentication = errors.New("authentication failed")
)

// ValidationError is reported to the sender only, never broadcast.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

type UserStatus string

const (
	UserStatusCreated UserStatus = "created"
	UserStatusActive  UserStatus = "active"
	UserStatusDeleted UserStatus = "deleted"
)

// User represents a user in the directory.
type User struct {
	ID          string     `json:"id"`
	UserName    string     `json:"userName"`
	DisplayName string     `json:"displayName"`
	AvatarURL   string     `json:"avatarUrl"`
	Presence    Presence   `json:"presence"`
	Status      UserStatus `json:"status"`
}

// Presence represents the online status of a user.
// A user is online iff they have at least one live connection.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // Unix timestamp (seconds)
}

// UserRef is the denormalized identity embedded in outbound messages so
// clients can render a transcript without a second directory lookup.
type UserRef struct {
	ID          string `json:"id"`
	UserName    string `json:"userName,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Message is immutable once stored. ID and Seq are server-assigned at
// persistence time; TempID is the client's optimistic id, echoed back so
// the originating client can collapse its local copy.
type Message struct {
	ID          string  `json:"id"`
	TempID      string  `json:"tempId,omitempty"`
	Seq         int64   `json:"seq"`
	Timestamp   int64   `json:"timestamp"` // Unix timestamp (milliseconds)
	Sender      UserRef `json:"sender"`
	Receiver    UserRef `json:"receiver"`
	Content     string  `json:"content"`
	ContentHTML string  `json:"contentHtml,omitempty"`
}

// ConversationID builds the deterministic key for the unordered pair of
// direct-message participants.
func ConversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm_" + a + "_" + b
}

type ClientEventType string

const (
	ClientEventAuth           ClientEventType = "auth"
	ClientEventJoinChat       ClientEventType = "joinChat"
	ClientEventGetChatHistory ClientEventType = "getChatHistory"
	ClientEventSendMessage    ClientEventType = "sendMessage"
)

type ServerEventType string

const (
	ServerEventOnlineUsers ServerEventType = "onlineUsers"
	ServerEventChatHistory ServerEventType = "chatHistory"
	ServerEventNewMessage  ServerEventType = "newMessage"
	ServerEventError       ServerEventType = "error"
)

// ClientEvent is a frame sent from the client to the server.
type ClientEvent struct {
	Event ClientEventType `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ServerEvent is a frame sent from the server to the client.
type ServerEvent struct {
	Event ServerEventType `json:"event"`
	Data  any             `json:"data"`
}

// AuthPayload must be the first frame on a new connection.
type AuthPayload struct {
	Token string `json:"token"`
}

type JoinPayload struct {
	PeerID string `json:"peerId"`
}

type SendPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	TempID     string `json:"tempId,omitempty"`
}

type HistoryPayload struct {
	PeerID   string    `json:"peerId"`
	Messages []Message `json:"messages"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
