package tvdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// tokenLifetime is how long TVDB honors a login token
const tokenLifetime = 30 * 24 * time.Hour

// TokenStore defines the interface for storing and retrieving tokens
type TokenStore interface {
	GetToken() (*Token, error)
	SaveToken(token *Token) error
	ClearToken() error
}

// Token represents a TVDB bearer token
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// FileTokenStore implements TokenStore using a JSON file
type FileTokenStore struct {
	filepath string
}

// NewFileTokenStore creates a new file-based token store
func NewFileTokenStore(filepath string) (*FileTokenStore, error) {
	if filepath == "" {
		return nil, fmt.Errorf("token file path is required")
	}
	return &FileTokenStore{filepath: filepath}, nil
}

// GetToken retrieves the token from the file
func (s *FileTokenStore) GetToken() (*Token, error) {
	data, err := os.ReadFile(s.filepath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("token file not found")
		}
		return nil, err
	}

	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, err
	}

	return &token, nil
}

// SaveToken saves the token to the file
func (s *FileTokenStore) SaveToken(token *Token) error {
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.filepath, data, 0600)
}

// ClearToken removes the stored token
func (s *FileTokenStore) ClearToken() error {
	if err := os.Remove(s.filepath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// loginResponse represents the response from the login endpoint
type loginResponse struct {
	Status string `json:"status"`
	Data   struct {
		Token string `json:"token"`
	} `json:"data"`
}

// Login exchanges the API key (and subscriber PIN) for a bearer token
func (c *Client) Login(ctx context.Context) error {
	loginReq := map[string]string{
		"apikey": c.apiKey,
	}
	if c.pin != "" {
		loginReq["pin"] = c.pin
	}

	var resp loginResponse
	if err := c.send(ctx, "POST", "/login", loginReq, &resp, false); err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}
	if resp.Data.Token == "" {
		return fmt.Errorf("login response carried no token")
	}

	token := &Token{
		AccessToken: resp.Data.Token,
		ExpiresAt:   time.Now().Add(tokenLifetime),
	}
	if err := c.tokenStore.SaveToken(token); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	c.logger.Info("TVDB login successful")
	return nil
}

// ensureValidToken logs in when no usable token is stored
func (c *Client) ensureValidToken(ctx context.Context) (*Token, error) {
	token, err := c.tokenStore.GetToken()
	if err == nil && token != nil && token.AccessToken != "" {
		// Refresh a day ahead of expiry
		if time.Until(token.ExpiresAt) > 24*time.Hour {
			return token, nil
		}
		c.logger.Info("Token expires soon, logging in again")
	} else {
		c.logger.Debug("No valid token found, logging in")
	}

	if err := c.Login(ctx); err != nil {
		return nil, err
	}
	return c.tokenStore.GetToken()
}
