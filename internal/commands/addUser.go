package commands

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"confab/internal/auth"
	"confab/internal/config"
	"confab/internal/models"
)

// AddUser creates a user through the signup API of a running server and
// prints the generated credentials.
func AddUser(username string, cfg *config.Config) error {
	password, err := randomPassword()
	if err != nil {
		return err
	}

	reqBody, err := json.Marshal(auth.SignupRequest{
		Username: username,
		Password: password,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimSuffix(cfg.BaseURL, "/") + "/api/signup"
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call signup API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, string(body))
	}

	var user models.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Username:  %s\n", user.UserName)
	fmt.Printf("User ID:   %s\n", user.ID)
	fmt.Printf("Password:  %s\n\n", password)
	fmt.Println("Please share these credentials with the user and have them change the password.")
	return nil
}

func randomPassword() (string, error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
