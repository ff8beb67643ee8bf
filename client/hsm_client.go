// Package client talks to the HSM gateway over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/verifiable-state-chains/hsmcore/hsm_server"
)

// APIError is a non-200 reply from the gateway
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

// HSMClient is an HTTP client for the HSM gateway
type HSMClient struct {
	endpoint   string
	httpClient *http.Client
	token      string
}

// NewHSMClient creates a client for the gateway at endpoint
// (e.g. "http://127.0.0.1:9090")
func NewHSMClient(endpoint string) *HSMClient {
	return &HSMClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetToken sets the bearer token sent with every request
func (c *HSMClient) SetToken(token string) {
	c.token = token
}

// Token returns the current bearer token
func (c *HSMClient) Token() string {
	return c.token
}

// Login exchanges client credentials for a bearer token and keeps it
func (c *HSMClient) Login(ctx context.Context, clientID, clientSecret string) (time.Time, error) {
	var resp hsm_server.TokenResponse
	req := hsm_server.TokenRequest{ClientID: clientID, ClientSecret: clientSecret}
	if err := c.do(ctx, http.MethodPost, "/token", req, &resp); err != nil {
		return time.Time{}, err
	}
	c.token = resp.Token
	return resp.ExpiresAt, nil
}

// HealthCheck checks if the gateway is healthy
func (c *HSMClient) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Random returns size random bytes
func (c *HSMClient) Random(ctx context.Context, size int) ([]byte, error) {
	var resp hsm_server.RandomResponse
	if err := c.do(ctx, http.MethodPost, "/random", hsm_server.RandomRequest{Size: size}, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// ImportKey stores key under keyID
func (c *HSMClient) ImportKey(ctx context.Context, keyID uint32, key []byte) error {
	return c.do(ctx, http.MethodPost, "/import_key", hsm_server.ImportKeyRequest{KeyID: keyID, Key: key}, nil)
}

// Encrypt returns ciphertext and tag
func (c *HSMClient) Encrypt(ctx context.Context, req hsm_server.EncryptRequest) ([]byte, []byte, error) {
	var resp hsm_server.EncryptResponse
	if err := c.do(ctx, http.MethodPost, "/encrypt", req, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Ciphertext, resp.Tag, nil
}

// Decrypt returns the plaintext
func (c *HSMClient) Decrypt(ctx context.Context, req hsm_server.DecryptRequest) ([]byte, error) {
	var resp hsm_server.DecryptResponse
	if err := c.do(ctx, http.MethodPost, "/decrypt", req, &resp); err != nil {
		return nil, err
	}
	return resp.Plaintext, nil
}

// ListKeys returns the stored key ids
func (c *HSMClient) ListKeys(ctx context.Context) ([]uint32, error) {
	var resp hsm_server.ListKeysResponse
	if err := c.do(ctx, http.MethodGet, "/list_keys", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// DeleteKey removes a stored key
func (c *HSMClient) DeleteKey(ctx context.Context, keyID uint32) error {
	return c.do(ctx, http.MethodPost, "/delete_key", hsm_server.DeleteKeyRequest{KeyID: keyID}, nil)
}

func (c *HSMClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		reqBody, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %v", err)
		}
		body = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &failure) == nil && failure.Error != "" {
			msg = failure.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %v", path, err)
	}
	return nil
}
