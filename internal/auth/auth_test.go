package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"confab/internal/models"
)

type memStore struct {
	saved map[string]UserCredentials
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string]UserCredentials)}
}

func (m *memStore) UpsertCredentials(credentials UserCredentials) error {
	m.saved[credentials.ID] = credentials
	return nil
}

func (m *memStore) ListCredentials() ([]UserCredentials, error) {
	var out []UserCredentials
	for _, c := range m.saved {
		out = append(out, c)
	}
	return out, nil
}

func TestService(t *testing.T) {
	const t0Unix = 1700000000

	createService := func(t *testing.T) (*Service, *memStore, *time.Time) {
		cfg := Config{
			Secret:      base64.StdEncoding.EncodeToString([]byte("server-secret")),
			TokenExpiry: time.Hour,
		}

		store := newMemStore()
		svc, err := NewService(context.Background(), cfg, store)
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}

		// Mock time
		currentTime := time.Unix(t0Unix, 0)
		svc.now = func() time.Time {
			return currentTime
		}

		return svc, store, &currentTime
	}

	t.Run("Signup", func(t *testing.T) {
		svc, store, _ := createService(t)

		u1, err := svc.Signup(SignupRequest{Username: "user1", Password: "password1", DisplayName: "User One"})
		if err != nil {
			t.Fatalf("Failed to sign up: %v", err)
		}
		if u1.UserName != "user1" {
			t.Errorf("Expected username user1, got %s", u1.UserName)
		}
		if u1.DisplayName != "User One" {
			t.Errorf("Expected display name User One, got %s", u1.DisplayName)
		}
		if u1.Status != models.UserStatusActive {
			t.Errorf("Expected active status, got %s", u1.Status)
		}
		if _, ok := store.saved[u1.ID]; !ok {
			t.Error("Credentials not persisted to store")
		}

		_, err = svc.Signup(SignupRequest{Username: "user1", Password: "password2"})
		if !errors.Is(err, ErrUserExists) {
			t.Errorf("Expected ErrUserExists, got %v", err)
		}

		_, err = svc.Signup(SignupRequest{Username: "user2", Password: "short"})
		if err == nil {
			t.Error("Expected error for short password")
		}

		_, err = svc.Signup(SignupRequest{Username: "bad name", Password: "password1"})
		if err == nil {
			t.Error("Expected error for invalid username")
		}
	})

	t.Run("Login_Success", func(t *testing.T) {
		svc, _, _ := createService(t)
		u, err := svc.Signup(SignupRequest{Username: "user1", Password: "password1"})
		if err != nil {
			t.Fatalf("failed to setup user: %v", err)
		}

		resp, userID := svc.Login(LoginRequest{Username: "user1", Password: "password1"})
		if !resp.Success {
			t.Fatalf("Login failed: %s", resp.Message)
		}
		if userID != u.ID {
			t.Errorf("Expected user ID %s, got %s", u.ID, userID)
		}
		if resp.Token == "" {
			t.Fatal("Expected token in login response")
		}
		if resp.User == nil || resp.User.ID != u.ID {
			t.Error("Expected user details in login response")
		}

		// The issued token must authenticate the same user.
		authID, err := svc.Authenticate(resp.Token)
		if err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}
		if authID != u.ID {
			t.Errorf("Expected authenticated ID %s, got %s", u.ID, authID)
		}

		// Bearer prefix is accepted too.
		if _, err := svc.Authenticate("Bearer " + resp.Token); err != nil {
			t.Errorf("Authenticate with Bearer prefix failed: %v", err)
		}
	})

	t.Run("Login_Failures", func(t *testing.T) {
		svc, _, _ := createService(t)
		if _, err := svc.Signup(SignupRequest{Username: "user1", Password: "password1"}); err != nil {
			t.Fatalf("failed to setup user: %v", err)
		}

		tests := []struct {
			name string
			req  LoginRequest
		}{
			{"Wrong Password", LoginRequest{Username: "user1", Password: "wrongpass"}},
			{"User Not Found", LoginRequest{Username: "unknown", Password: "password1"}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				resp, _ := svc.Login(tt.req)
				if resp.Success {
					t.Error("Expected login failure")
				}
				if resp.Message != loginFailedMessage {
					t.Errorf("Expected message %q, got %q", loginFailedMessage, resp.Message)
				}
			})
		}
	})

	t.Run("Security_Throttling", func(t *testing.T) {
		svc, _, now := createService(t)
		if _, err := svc.Signup(SignupRequest{Username: "user1", Password: "password1"}); err != nil {
			t.Fatalf("failed to setup user: %v", err)
		}

		// Fail 4 times (threshold is > 3)
		for i := 0; i < 4; i++ {
			svc.Login(LoginRequest{Username: "user1", Password: "wrongpass"})
		}

		// 5th attempt should be throttled even with the right password
		resp, _ := svc.Login(LoginRequest{Username: "user1", Password: "password1"})
		if resp.Success {
			t.Error("Throttling failed, login succeeded")
		}
		if len(resp.Message) < 20 {
			t.Errorf("Expected throttling message, got %q", resp.Message)
		}

		// Advance time past backoff: 30 * 4^2 = 480 seconds
		*now = now.Add(500 * time.Second)

		resp, _ = svc.Login(LoginRequest{Username: "user1", Password: "password1"})
		if !resp.Success {
			t.Errorf("Expected login success after backoff, got %q", resp.Message)
		}
	})

	t.Run("Authenticate_Failures", func(t *testing.T) {
		svc, _, now := createService(t)
		if _, err := svc.Signup(SignupRequest{Username: "user1", Password: "password1"}); err != nil {
			t.Fatalf("failed to setup user: %v", err)
		}
		resp, _ := svc.Login(LoginRequest{Username: "user1", Password: "password1"})
		if !resp.Success {
			t.Fatalf("Login failed: %s", resp.Message)
		}

		if _, err := svc.Authenticate(""); !errors.Is(err, models.ErrAuthentication) {
			t.Errorf("Expected ErrAuthentication for empty token, got %v", err)
		}
		if _, err := svc.Authenticate("garbage.token.value"); !errors.Is(err, models.ErrAuthentication) {
			t.Errorf("Expected ErrAuthentication for malformed token, got %v", err)
		}

		// Expired token
		*now = now.Add(2 * time.Hour)
		if _, err := svc.Authenticate(resp.Token); !errors.Is(err, models.ErrAuthentication) {
			t.Errorf("Expected ErrAuthentication for expired token, got %v", err)
		}
	})

	t.Run("Logoff", func(t *testing.T) {
		svc, _, _ := createService(t)
		if _, err := svc.Signup(SignupRequest{Username: "user1", Password: "password1"}); err != nil {
			t.Fatalf("failed to setup user: %v", err)
		}
		resp, _ := svc.Login(LoginRequest{Username: "user1", Password: "password1"})
		if !resp.Success {
			t.Fatalf("Login failed: %s", resp.Message)
		}

		if _, err := svc.Authenticate(resp.Token); err != nil {
			t.Fatalf("Token should be valid before logoff: %v", err)
		}

		if err := svc.Logoff(resp.Token); err != nil {
			t.Errorf("Logoff failed: %v", err)
		}

		if _, err := svc.Authenticate(resp.Token); err == nil {
			t.Error("Token should be invalid after logoff")
		}

		// A second session is unaffected by the first one's logoff.
		resp2, _ := svc.Login(LoginRequest{Username: "user1", Password: "password1"})
		if !resp2.Success {
			t.Fatalf("Second login failed: %s", resp2.Message)
		}
		if _, err := svc.Authenticate(resp2.Token); err != nil {
			t.Errorf("Second token should remain valid: %v", err)
		}
	})

	t.Run("Restart_LoadsCredentials", func(t *testing.T) {
		svc, store, _ := createService(t)
		if _, err := svc.Signup(SignupRequest{Username: "user1", Password: "password1"}); err != nil {
			t.Fatalf("failed to setup user: %v", err)
		}

		cfg := Config{
			Secret:      base64.StdEncoding.EncodeToString([]byte("server-secret")),
			TokenExpiry: time.Hour,
		}
		svc2, err := NewService(context.Background(), cfg, store)
		if err != nil {
			t.Fatalf("Failed to recreate service: %v", err)
		}

		resp, _ := svc2.Login(LoginRequest{Username: "user1", Password: "password1"})
		if !resp.Success {
			t.Errorf("Login after restart failed: %s", resp.Message)
		}
	})
}
