package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"confab/internal/content"
	"confab/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	loginFailedMessage = "Login failed"
	minPasswordLength  = 8
)

var (
	ErrUserExists = errors.New("user already exists")

	// ErrInvalidToken covers missing, malformed, expired and revoked
	// credentials alike so callers cannot distinguish them.
	ErrInvalidToken = fmt.Errorf("%w: invalid or expired token", models.ErrAuthentication)
)

type SignupRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool         `json:"success"`
	Message     string       `json:"message,omitempty"`
	Token       string       `json:"token,omitempty"`
	TokenExpiry int64        `json:"tokenExpiry,omitempty"`
	User        *models.User `json:"user,omitempty"`
}

type UserCredentials struct {
	models.User
	PasswordHash string `json:"passwordHash"`
	// Counter for consecutive failed login attempts to throttle brute force attacks.
	FailedLoginAttempts int64 `json:"failedLoginAttempts"`
	LastAttemptTime     int64 `json:"lastAttemptTime"`
}

func (uc *UserCredentials) ResetFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts = 0
	uc.LastAttemptTime = now.Unix()
}

func (uc *UserCredentials) IncrementFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts++
	uc.LastAttemptTime = now.Unix()
}

// CredentialStore is the durable backing for user credentials.
type CredentialStore interface {
	UpsertCredentials(credentials UserCredentials) error
	ListCredentials() ([]UserCredentials, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// Service issues and validates the bearer credential shared by the REST
// session and the chat socket handshake. Tokens are signed JWTs carrying
// their own expiry; the revocation cache only has to remember logoffs.
type Service struct {
	Config
	users   *geche.Locker[string, *UserCredentials]
	revoked geche.Geche[string, string]
	store   CredentialStore
	now     func() time.Time
}

func NewService(ctx context.Context, config Config, store CredentialStore) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		Config:  config,
		users:   geche.NewLocker[string, *UserCredentials](geche.NewMapCache[string, *UserCredentials]()),
		revoked: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		store:   store,
		now:     time.Now,
	}

	credentials, err := store.ListCredentials()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	tx := s.users.Lock()
	for i := range credentials {
		if credentials[i].Status == models.UserStatusDeleted {
			continue
		}
		tx.Set(credentials[i].UserName, &credentials[i])
	}
	tx.Unlock()

	return s, nil
}

// Signup creates a new active user and persists its credentials.
func (s *Service) Signup(req SignupRequest) (models.User, error) {
	if err := content.ValidateUsername(req.Username); err != nil {
		return models.User{}, err
	}
	if len(req.Password) < minPasswordLength {
		return models.User{}, fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}

	displayName := content.Sanitize(strings.TrimSpace(req.DisplayName))
	if displayName == "" {
		displayName = req.Username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	tx := s.users.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(req.Username); err == nil {
		return models.User{}, ErrUserExists
	}

	credentials := &UserCredentials{
		User: models.User{
			ID:          uuid.NewString(),
			UserName:    req.Username,
			DisplayName: displayName,
			Status:      models.UserStatusActive,
		},
		PasswordHash: string(hash),
	}

	if err := s.store.UpsertCredentials(*credentials); err != nil {
		return models.User{}, fmt.Errorf("failed to persist credentials: %w", err)
	}
	tx.Set(req.Username, credentials)

	return credentials.User, nil
}

// Login verifies the password and issues a session token.
// The second return value is the user ID on success.
func (s *Service) Login(req LoginRequest) (LoginResponse, string) {
	now := s.now()
	tx := s.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(req.Username)
	if err != nil {
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ""
	}

	// Check failed login attempts
	if user.FailedLoginAttempts > 3 {
		lastAttempt := user.LastAttemptTime
		failedAttempts := user.FailedLoginAttempts
		nextAttempt := lastAttempt + 30*(failedAttempts*failedAttempts)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}, ""
		}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		user.IncrementFailedLoginAttempts(now)
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ""
	}

	token, err := s.issueToken(user.ID, now)
	if err != nil {
		slog.Error("login failed", "user_id", user.ID, "error", err)
		return LoginResponse{
			Success: false,
			Message: "internal error",
		}, ""
	}

	user.ResetFailedLoginAttempts(now)
	userCopy := user.User

	return LoginResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: now.Add(s.TokenExpiry).Unix(),
		User:        &userCopy,
	}, user.ID
}

// Logoff revokes a live token. Invalid tokens are ignored: there is
// nothing left to revoke.
func (s *Service) Logoff(token string) error {
	claims, err := s.parseToken(token)
	if err != nil {
		return nil
	}
	s.revoked.Set(claims.ID, claims.Subject)
	return nil
}

// Authenticate validates a bearer credential and returns the user ID it
// was issued to. Every failure wraps models.ErrAuthentication.
func (s *Service) Authenticate(token string) (string, error) {
	claims, err := s.parseToken(token)
	if err != nil {
		return "", ErrInvalidToken
	}
	if _, err := s.revoked.Get(claims.ID); err == nil {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// GetUser returns the directory record for a username.
func (s *Service) GetUser(username string) (models.User, error) {
	tx := s.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(username)
	if err != nil {
		return models.User{}, models.ErrNotFound
	}
	return user.User, nil
}

func (s *Service) issueToken(userID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.TokenExpiry)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretBytes)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) parseToken(token string) (*jwt.RegisteredClaims, error) {
	token = strings.TrimPrefix(token, "Bearer ")

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secretBytes, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.Subject == "" || claims.ID == "" {
		return nil, errors.New("token claims incomplete")
	}
	return claims, nil
}
