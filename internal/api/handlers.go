package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"confab/internal/auth"
	"confab/internal/chat"
	"confab/internal/directory"
	"confab/internal/models"
	"confab/internal/push"
	"confab/internal/storage"
)

type API struct {
	auth      *auth.Service
	directory *directory.Directory
	registry  *chat.Registry
	push      *push.Service
}

func New(auth *auth.Service, directory *directory.Directory, registry *chat.Registry, push *push.Service) *API {
	return &API{
		auth:      auth,
		directory: directory,
		registry:  registry,
		push:      push,
	}
}

func (a *API) SignupHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.SignupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := a.auth.Signup(req)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, user)
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest

	// Support both JSON and form bodies.
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	loginResp, _ := a.auth.Login(req)
	if !loginResp.Success {
		w.WriteHeader(http.StatusUnauthorized)
		if err := json.NewEncoder(w).Encode(loginResp); err != nil {
			slog.Error("failed to encode login response", "error", err)
		}
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    loginResp.Token,
		HttpOnly: true,
		Path:     "/",
		Expires:  time.Unix(loginResp.TokenExpiry, 0),
	})

	writeJSON(w, loginResp)
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	token := a.getToken(r)
	if token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

// UsersHandler lists the directory with live presence decorated in, so a
// client can render its contact list from one request.
func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.directory.ListUsers()
	if err != nil {
		slog.Error("failed to list users", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	for i := range users {
		users[i].Presence.Online = a.registry.IsOnline(users[i].ID)
	}

	writeJSON(w, users)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	user, err := a.directory.GetUser(userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		slog.Error("failed to load user", "user_id", userID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	user.Presence.Online = a.registry.IsOnline(user.ID)

	writeJSON(w, user)
}

// PushSubscribeHandler stores a browser push subscription for the
// authenticated user. The payload is the standard PushSubscription JSON.
func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err := a.push.Subscribe(UserID(r.Context()), storage.PushSubscription{
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		var vErr *models.ValidationError
		if errors.As(err, &vErr) {
			http.Error(w, vErr.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("failed to store push subscription", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// PushKeyHandler hands out the VAPID public key the browser needs to
// subscribe.
func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	if !a.push.Enabled() {
		http.Error(w, "Push notifications are not configured", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"publicKey": a.push.PublicKey()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
