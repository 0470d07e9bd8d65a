package ws

import (
	"confab/internal/auth"
	"confab/internal/chat"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

type Server struct {
	auth             *auth.Service
	registry         *chat.Registry
	router           *chat.Router
	history          *chat.History
	handshakeTimeout time.Duration
	upgrader         *websocket.Upgrader
}

func NewServer(
	auth *auth.Service,
	registry *chat.Registry,
	router *chat.Router,
	history *chat.History,
	handshakeTimeout time.Duration,
) *Server {
	return &Server{
		auth:             auth,
		registry:         registry,
		router:           router,
		history:          history,
		handshakeTimeout: handshakeTimeout,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// HandleConnections upgrades the request and hands the socket to a
// Connection. The credential arrives in the first frame, not in a
// request header: the transport is a persistent socket.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("error upgrading to websocket", "error", err)
		return
	}

	conn := NewConnection(wsConn, s.auth, s.registry, s.router, s.history, s.handshakeTimeout)
	if err := conn.Handle(r.Context()); err != nil && !errors.Is(err, context.Canceled) {
		slog.Info("connection closed", "remote", r.RemoteAddr, "error", err)
	}
}
