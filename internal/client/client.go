// Package client is the connection-facing side of the chat protocol: it
// keeps a local view (presence, per-conversation transcripts) continuously
// convergent with the server across optimistic sends, authoritative echoes
// and reconnects.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"confab/internal/models"
)

type Client struct {
	url    string
	token  string
	userID string

	mu          sync.Mutex
	conn        *websocket.Conn
	online      mapset.Set[string]
	transcripts map[string][]models.Message
	active      map[string]struct{}

	// writeMu serializes socket writes; the connection allows only one
	// concurrent writer.
	writeMu sync.Mutex

	// Ready is closed after the first presence snapshot of a connection.
	ready     chan struct{}
	readyOnce sync.Once

	errorCh chan string
}

func New(url, token, userID string) *Client {
	return &Client{
		url:         url,
		token:       token,
		userID:      userID,
		online:      mapset.NewSet[string](),
		transcripts: make(map[string][]models.Message),
		active:      make(map[string]struct{}),
		ready:       make(chan struct{}),
		errorCh:     make(chan string, 16),
	}
}

// Run dials and serves the connection until the context is canceled,
// reconnecting with backoff. Each new connection re-authenticates,
// rejoins the active conversations and refetches their histories, so the
// local view converges again after a gap.
func (c *Client) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, models.ErrAuthentication) {
			return err
		}
		slog.Info("connection lost, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := c.writeEvent(models.ClientEventAuth, models.AuthPayload{Token: c.token}); err != nil {
		return err
	}
	c.resubscribe()

	for {
		var ev serverFrame
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		if err := c.dispatch(ev); err != nil {
			return err
		}
	}
}

// serverFrame mirrors models.ServerEvent with the payload still raw, so
// each event type decodes into its own shape.
type serverFrame struct {
	Event models.ServerEventType `json:"event"`
	Data  json.RawMessage        `json:"data"`
}

func (c *Client) dispatch(ev serverFrame) error {
	switch ev.Event {
	case models.ServerEventOnlineUsers:
		var ids []string
		if err := json.Unmarshal(ev.Data, &ids); err != nil {
			return fmt.Errorf("malformed onlineUsers payload: %w", err)
		}
		// Full snapshot: rebuild, never patch, so a reconnect cannot
		// leave stale presence behind.
		fresh := mapset.NewSet[string](ids...)
		c.mu.Lock()
		c.online = fresh
		c.mu.Unlock()
		c.readyOnce.Do(func() { close(c.ready) })
	case models.ServerEventChatHistory:
		var p models.HistoryPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return fmt.Errorf("malformed chatHistory payload: %w", err)
		}
		convID := models.ConversationID(c.userID, p.PeerID)
		c.mu.Lock()
		c.transcripts[convID] = MergeHistory(c.transcripts[convID], p.Messages)
		c.mu.Unlock()
	case models.ServerEventNewMessage:
		var m models.Message
		if err := json.Unmarshal(ev.Data, &m); err != nil {
			return fmt.Errorf("malformed newMessage payload: %w", err)
		}
		convID := models.ConversationID(m.Sender.ID, m.Receiver.ID)
		c.mu.Lock()
		c.transcripts[convID] = Merge(c.transcripts[convID], m)
		c.mu.Unlock()
	case models.ServerEventError:
		var p models.ErrorPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return fmt.Errorf("malformed error payload: %w", err)
		}
		// An error before the first snapshot is a refused handshake;
		// reconnecting with the same credential cannot help.
		select {
		case <-c.ready:
		default:
			return fmt.Errorf("%w: %s", models.ErrAuthentication, p.Message)
		}
		select {
		case c.errorCh <- p.Message:
		default:
		}
	default:
		slog.Warn("ignoring unknown server event", "event", ev.Event)
	}
	return nil
}

// resubscribe replays joinChat and getChatHistory for every conversation
// opened on a previous connection.
func (c *Client) resubscribe() {
	c.mu.Lock()
	peers := make([]string, 0, len(c.active))
	for peerID := range c.active {
		peers = append(peers, peerID)
	}
	c.mu.Unlock()

	for _, peerID := range peers {
		if err := c.writeEvent(models.ClientEventJoinChat, models.JoinPayload{PeerID: peerID}); err != nil {
			slog.Warn("failed to rejoin conversation", "peer_id", peerID, "error", err)
			return
		}
		if err := c.writeEvent(models.ClientEventGetChatHistory, models.JoinPayload{PeerID: peerID}); err != nil {
			slog.Warn("failed to refetch history", "peer_id", peerID, "error", err)
			return
		}
	}
}

// Open subscribes to the conversation with peerID and requests its
// history. The subscription survives reconnects.
func (c *Client) Open(peerID string) error {
	c.mu.Lock()
	c.active[peerID] = struct{}{}
	c.mu.Unlock()

	if err := c.writeEvent(models.ClientEventJoinChat, models.JoinPayload{PeerID: peerID}); err != nil {
		return err
	}
	return c.writeEvent(models.ClientEventGetChatHistory, models.JoinPayload{PeerID: peerID})
}

// Send appends an optimistic copy to the local transcript and ships the
// message. The copy carries a temp id the authoritative echo will cite,
// so the two collapse into one entry.
func (c *Client) Send(receiverID, content string) (string, error) {
	tempID := uuid.NewString()
	optimistic := models.Message{
		TempID:    tempID,
		Timestamp: time.Now().UnixMilli(),
		Sender:    models.UserRef{ID: c.userID},
		Receiver:  models.UserRef{ID: receiverID},
		Content:   content,
	}

	convID := models.ConversationID(c.userID, receiverID)
	c.mu.Lock()
	c.transcripts[convID] = Merge(c.transcripts[convID], optimistic)
	c.mu.Unlock()

	err := c.writeEvent(models.ClientEventSendMessage, models.SendPayload{
		SenderID:   c.userID,
		ReceiverID: receiverID,
		Content:    content,
		TempID:     tempID,
	})
	return tempID, err
}

// Transcript returns a copy of the conversation with peerID, ordered by
// server sequence with unconfirmed entries last.
func (c *Client) Transcript(peerID string) []models.Message {
	convID := models.ConversationID(c.userID, peerID)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.transcripts[convID]))
	copy(out, c.transcripts[convID])
	return out
}

func (c *Client) IsOnline(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online.Contains(userID)
}

func (c *Client) OnlineUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online.ToSlice()
}

// Ready unblocks once the first presence snapshot arrived, i.e. the
// handshake was accepted.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Errors exposes per-event rejections the server answered with.
func (c *Client) Errors() <-chan string {
	return c.errorCh
}

func (c *Client) writeEvent(event models.ClientEventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(models.ClientEvent{Event: event, Data: data})
}
