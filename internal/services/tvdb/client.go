package tvdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/amaumene/tvcatalog/internal/config"
	"github.com/amaumene/tvcatalog/internal/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when TVDB has no record for the requested id
var ErrNotFound = errors.New("tvdb: record not found")

// errAuthExpired marks a 401 so the request can be retried once with a fresh token
var errAuthExpired = errors.New("tvdb: authorization expired")

// Client handles communication with the TVDB v4 API
type Client struct {
	apiKey      string
	pin         string
	baseURL     string
	tokenStore  TokenStore
	httpClient  *http.Client
	searchCache *cache.Cache
	logger      *logrus.Logger
}

// NewClient creates a new TVDB API client
func NewClient(cfg *config.Config, logger *logrus.Logger) (*Client, error) {
	if cfg.TVDBAPIKey == "" {
		return nil, fmt.Errorf("TVDB API key is required")
	}

	tokenStore, err := NewFileTokenStore(cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	ttl := cfg.SearchCacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	return &Client{
		apiKey:      cfg.TVDBAPIKey,
		pin:         cfg.TVDBPIN,
		baseURL:     strings.TrimRight(cfg.TVDBBaseURL, "/"),
		tokenStore:  tokenStore,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		searchCache: cache.New(ttl, 2*ttl),
		logger:      logger,
	}, nil
}

// doRequest performs an authenticated request. A 401 clears the stored token and
// the request is retried exactly once after logging in again.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	operation := func() error {
		err := c.send(ctx, method, path, body, result, true)
		if errors.Is(err, errAuthExpired) {
			c.logger.WithField("path", path).Info("TVDB token rejected, logging in again")
			if clearErr := c.tokenStore.ClearToken(); clearErr != nil {
				return backoff.Permanent(clearErr)
			}
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1), ctx)
	err := backoff.Retry(operation, policy)
	if errors.Is(err, errAuthExpired) {
		return &models.TransientProviderError{Op: method + " " + path, StatusCode: http.StatusUnauthorized, Err: err}
	}
	return err
}

// send performs a single HTTP round trip and decodes the JSON body into result
func (c *Client) send(ctx context.Context, method, path string, body interface{}, result interface{}, authenticated bool) error {
	op := method + " " + path

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	fullURL := c.baseURL + path
	c.logger.WithFields(logrus.Fields{
		"method": method,
		"url":    fullURL,
	}).Debug("Making TVDB API request")

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "tvcatalog/1.0")

	if authenticated {
		token, err := c.ensureValidToken(ctx)
		if err != nil {
			return &models.TransientProviderError{Op: op, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &models.TransientProviderError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return mapStatus(op, resp.StatusCode, string(bodyBytes))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return &models.DataIntegrityError{Reason: fmt.Sprintf("%s: malformed response: %v", op, err)}
		}
	}

	return nil
}

// mapStatus converts a non-2xx response into the error taxonomy
func mapStatus(op string, status int, body string) error {
	switch {
	case status == http.StatusUnauthorized:
		return errAuthExpired
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	default:
		// 429, 5xx and unexpected 4xx all wait for the next pass
		return &models.TransientProviderError{Op: op, StatusCode: status, Err: fmt.Errorf("%s", strings.TrimSpace(body))}
	}
}
