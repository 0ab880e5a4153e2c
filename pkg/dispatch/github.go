package dispatch

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Payload is the client_payload of the butler-run repository-dispatch event.
// The executor uses callback_token to authenticate its status callbacks and
// the OIDC fields to assume cloud identities.
type Payload struct {
	ButlerURL     string `json:"butler_url"`
	RunID         string `json:"run_id"`
	CallbackToken string `json:"callback_token"`
	Operation     string `json:"operation"`
	ModuleName    string `json:"module_name"`

	GCPWIFProvider    string `json:"gcp_wif_provider,omitempty"`
	GCPServiceAccount string `json:"gcp_service_account,omitempty"`
	GCPProjectID      string `json:"gcp_project_id,omitempty"`
	AWSRoleARN        string `json:"aws_role_arn,omitempty"`
	AWSRegion         string `json:"aws_region,omitempty"`
}

// Sender delivers one dispatch event to a target repository.
type Sender interface {
	Send(ctx context.Context, target Target, payload Payload) error
}

const (
	eventType      = "butler-run"
	defaultAPIBase = "https://api.github.com"
	sendTimeout    = 30 * time.Second
)

// GitHubClient posts repository-dispatch events. Authentication is either a
// static token (PAT) or a GitHub App: a short-lived RS256 app JWT exchanged
// for an installation token, cached until shortly before expiry.
type GitHubClient struct {
	apiBase string
	http    *http.Client

	token string

	appID          string
	installationID string
	privateKey     *rsa.PrivateKey

	mu          sync.Mutex
	instToken   string
	instExpires time.Time
}

// NewGitHubClient builds a PAT-authenticated client. apiBase "" means the
// public GitHub API.
func NewGitHubClient(apiBase, token string) *GitHubClient {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &GitHubClient{
		apiBase: apiBase,
		http:    &http.Client{Timeout: sendTimeout},
		token:   token,
	}
}

// NewGitHubAppClient builds a GitHub App authenticated client from a PEM
// encoded RSA private key.
func NewGitHubAppClient(apiBase, appID, installationID string, privateKeyPEM []byte) (*GitHubClient, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("dispatch: parse app private key: %w", err)
	}
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	return &GitHubClient{
		apiBase:        apiBase,
		http:           &http.Client{Timeout: sendTimeout},
		appID:          appID,
		installationID: installationID,
		privateKey:     key,
	}, nil
}

// Send posts the butler-run event. GitHub answers 204 on success.
func (c *GitHubClient) Send(ctx context.Context, target Target, payload Payload) error {
	auth, err := c.authToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]any{
		"event_type":     eventType,
		"client_payload": payload,
	})
	if err != nil {
		return fmt.Errorf("dispatch: marshal event: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/%s/dispatches", c.apiBase, target.Owner, target.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+auth)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: post to %s: %w", target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("dispatch: %s answered %d: %s", target, resp.StatusCode, snippet)
	}
	return nil
}

func (c *GitHubClient) authToken(ctx context.Context) (string, error) {
	if c.privateKey == nil {
		return c.token, nil
	}
	return c.installationToken(ctx)
}

func (c *GitHubClient) installationToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.instToken != "" && time.Now().Before(c.instExpires.Add(-time.Minute)) {
		return c.instToken, nil
	}

	appJWT, err := c.appJWT(time.Now())
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", c.apiBase, c.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", fmt.Errorf("dispatch: build token request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+appJWT)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("dispatch: installation token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("dispatch: installation token: status %d: %s", resp.StatusCode, snippet)
	}

	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("dispatch: decode installation token: %w", err)
	}
	c.instToken = out.Token
	c.instExpires = out.ExpiresAt
	return c.instToken, nil
}

// appJWT mints the app-level JWT GitHub requires for installation token
// exchange. Issued slightly in the past to absorb clock skew.
func (c *GitHubClient) appJWT(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    c.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("dispatch: sign app jwt: %w", err)
	}
	return signed, nil
}
