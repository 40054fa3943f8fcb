// Package provider talks to the virtual browser provider's REST API.
// Sessions created here back the embeds that room members share.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tandembrowse/tandem/internal/config"
)

var (
	// ErrUnavailable means the provider could not be reached or answered
	// with a server error. Callers should treat the session as unknown.
	ErrUnavailable = errors.New("provider unavailable")

	// ErrTargetNotFound means the provider no longer knows the session.
	ErrTargetNotFound = errors.New("provider target not found")
)

// Session is a provisioned virtual browser instance.
type Session struct {
	ID       string `json:"session_id"`
	EmbedURL string `json:"embed_url"`
}

// Permissions controls what a connected provider user may do inside
// the virtual browser.
type Permissions struct {
	ControlDisabled bool `json:"control_disabled"`
}

// ValidRegion reports whether region names one of the provider's
// placement regions.
func ValidRegion(region string) bool {
	switch region {
	case "NA", "EU", "AS":
		return true
	}
	return false
}

// Client is the provider operations the room layer needs. HTTPClient is
// the real implementation; tests substitute a fake. An empty region
// means the client's configured default.
type Client interface {
	CreateSession(ctx context.Context, startURL, region string) (*Session, error)
	ProbeSession(ctx context.Context, embedURL string) bool
	SetPermissions(ctx context.Context, hbID string, perms Permissions) error
	TerminateSession(ctx context.Context, sessionID string) error
}

// HTTPClient implements Client against the provider's REST API.
type HTTPClient struct {
	baseURL        string
	apiKey         string
	region         string
	offlineTimeout time.Duration
	http           *http.Client
}

func NewHTTPClient(cfg config.ProviderConfig) *HTTPClient {
	return &HTTPClient{
		baseURL:        cfg.BaseURL,
		apiKey:         cfg.APIKey,
		region:         cfg.DefaultRegion,
		offlineTimeout: cfg.OfflineTimeout.Duration,
		http:           &http.Client{Timeout: cfg.CreateTimeout.Duration},
	}
}

type createRequest struct {
	StartURL       string `json:"start_url"`
	OfflineTimeout int    `json:"offline_timeout"`
	Region         string `json:"region"`
}

// CreateSession provisions a new virtual browser pointed at startURL,
// placed in region, or the configured default when region is empty.
func (c *HTTPClient) CreateSession(ctx context.Context, startURL, region string) (*Session, error) {
	if region == "" {
		region = c.region
	}
	body, err := json.Marshal(createRequest{
		StartURL:       startURL,
		OfflineTimeout: int(c.offlineTimeout.Seconds()),
		Region:         region,
	})
	if err != nil {
		return nil, fmt.Errorf("encode create request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/v0/vm", body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusErr(resp)
	}

	var session Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}
	if session.ID == "" || session.EmbedURL == "" {
		return nil, fmt.Errorf("provider returned incomplete session")
	}
	return &session, nil
}

// ProbeSession reports whether a previously issued embed URL still
// resolves. Any failure, transport or HTTP, counts as dead.
func (c *HTTPClient) ProbeSession(ctx context.Context, embedURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, embedURL, nil)
	if err != nil {
		return false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// SetPermissions updates a connected provider user's permissions.
func (c *HTTPClient) SetPermissions(ctx context.Context, hbID string, perms Permissions) error {
	body, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("encode permissions: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPatch, c.baseURL+"/v0/targets/"+hbID+"/permissions", body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrTargetNotFound, hbID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusErr(resp)
	}
	return nil
}

// TerminateSession shuts down a provider session. A session the
// provider no longer knows counts as terminated.
func (c *HTTPClient) TerminateSession(ctx context.Context, sessionID string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.baseURL+"/v0/vm/"+sessionID, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusErr(resp)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.http.Do(req)
}

func statusErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: HTTP %d: %s", ErrUnavailable, resp.StatusCode, body)
	}
	return fmt.Errorf("provider HTTP %d: %s", resp.StatusCode, body)
}
