package ws

import (
	"confab/internal/chat"
	"confab/internal/models"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type connectionHub interface {
	Register(userID string) *chat.Session
	Remove(s *chat.Session)
}

type authenticator interface {
	Authenticate(token string) (string, error)
}

type messageRouter interface {
	Send(sess *chat.Session, p models.SendPayload) (models.Message, error)
}

type historyService interface {
	Join(sess *chat.Session, peerID string) error
	History(userID, peerID string) ([]models.Message, error)
}

// Connection drives one socket: it demands an auth frame within the
// handshake window, registers the session, then multiplexes client events
// and hub pushes until either side goes away.
type Connection struct {
	ws               wsConnection
	hub              connectionHub
	auth             authenticator
	router           messageRouter
	history          historyService
	handshakeTimeout time.Duration

	sess       *chat.Session
	fromClient chan models.ClientEvent
	errorCh    chan error
}

func NewConnection(
	ws wsConnection,
	auth authenticator,
	hub connectionHub,
	router messageRouter,
	history historyService,
	handshakeTimeout time.Duration,
) *Connection {
	return &Connection{
		ws:               ws,
		hub:              hub,
		auth:             auth,
		router:           router,
		history:          history,
		handshakeTimeout: handshakeTimeout,
		fromClient:       make(chan models.ClientEvent),
		errorCh:          make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	if err := c.handshake(ctx); err != nil {
		c.writeError(err)
		_ = c.ws.Close()
		wg.Wait()
		return err
	}
	defer c.hub.Remove(c.sess)

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// handshake waits for the auth frame. Nothing else is accepted first, and
// a missing, malformed or expired credential refuses the connection.
func (c *Connection) handshake(ctx context.Context) error {
	select {
	case ev, ok := <-c.fromClient:
		if !ok {
			return errors.New("connection closed during handshake")
		}
		if ev.Event != models.ClientEventAuth {
			return fmt.Errorf("%w: expected auth event, got %q", models.ErrAuthentication, ev.Event)
		}
		var p models.AuthPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil || p.Token == "" {
			return fmt.Errorf("%w: missing credential", models.ErrAuthentication)
		}
		userID, err := c.auth.Authenticate(p.Token)
		if err != nil {
			return err
		}
		c.sess = c.hub.Register(userID)
		return nil
	case <-time.After(c.handshakeTimeout):
		return fmt.Errorf("%w: no credential within handshake window", models.ErrAuthentication)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			c.processClientEvent(ev)
		case sev, ok := <-c.sess.Events():
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(sev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// processClientEvent handles one frame. Failures in one event answer this
// connection only and never tear down the shared registry.
func (c *Connection) processClientEvent(ev models.ClientEvent) {
	switch ev.Event {
	case models.ClientEventAuth:
		// Already authenticated; a repeated auth frame is a no-op.
	case models.ClientEventJoinChat:
		var p models.JoinPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			c.writeError(models.NewValidationError("malformed joinChat payload"))
			return
		}
		if err := c.history.Join(c.sess, p.PeerID); err != nil {
			c.writeError(err)
		}
	case models.ClientEventGetChatHistory:
		var p models.JoinPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			c.writeError(models.NewValidationError("malformed getChatHistory payload"))
			return
		}
		messages, err := c.history.History(c.sess.UserID, p.PeerID)
		if err != nil {
			slog.Error("history load failed", "user_id", c.sess.UserID, "peer_id", p.PeerID, "error", err)
			c.writeError(errors.New("failed to fetch chat history"))
			return
		}
		c.writeEvent(models.ServerEvent{
			Event: models.ServerEventChatHistory,
			Data:  models.HistoryPayload{PeerID: p.PeerID, Messages: messages},
		})
	case models.ClientEventSendMessage:
		var p models.SendPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			c.writeError(models.NewValidationError("malformed sendMessage payload"))
			return
		}
		if _, err := c.router.Send(c.sess, p); err != nil {
			var vErr *models.ValidationError
			if errors.As(err, &vErr) {
				c.writeError(vErr)
				return
			}
			slog.Error("message send failed", "user_id", c.sess.UserID, "error", err)
			c.writeError(errors.New("failed to send message, please retry"))
		}
	default:
		c.writeError(models.NewValidationError(fmt.Sprintf("unknown event %q", ev.Event)))
	}
}

func (c *Connection) writeEvent(ev models.ServerEvent) {
	if err := c.ws.WriteJSON(ev); err != nil {
		slog.Warn("failed to write event", "event", ev.Event, "error", err)
	}
}

func (c *Connection) writeError(err error) {
	c.writeEvent(models.ServerEvent{
		Event: models.ServerEventError,
		Data:  models.ErrorPayload{Message: err.Error()},
	})
}
