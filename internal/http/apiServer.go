package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"confab/internal/api"
	"confab/internal/auth"
	"confab/internal/chat"
	"confab/internal/directory"
	"confab/internal/push"
	"confab/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(
	authService *auth.Service,
	dir *directory.Directory,
	registry *chat.Registry,
	router *chat.Router,
	history *chat.History,
	pushService *push.Service,
	handshakeTimeout time.Duration,
	addr string,
) *APIServer {
	server := ws.NewServer(authService, registry, router, history, handshakeTimeout)
	apiHandlers := api.New(authService, dir, registry, pushService)

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/signup", api.RequireSameOrigin(apiHandlers.SignupHandler))
	mux.HandleFunc("POST /api/login", api.RequireSameOrigin(apiHandlers.LoginHandler))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(apiHandlers.LogoffHandler))
	mux.HandleFunc("GET /api/users", apiHandlers.RequireAuth(apiHandlers.UsersHandler))
	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("GET /api/push/key", apiHandlers.PushKeyHandler)
	mux.HandleFunc("POST /api/push/subscribe", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.PushSubscribeHandler)))

	// WebSocket endpoint; authentication happens in the first frame.
	mux.HandleFunc("/api/chat", server.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	slog.Info("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
