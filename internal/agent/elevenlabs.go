// Package agent opens conversational agent channels for relay sessions.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/callrelay/internal/relay"
)

// ErrSignedURL wraps failures to obtain a signed conversation URL.
var ErrSignedURL = errors.New("signed url request failed")

type Config struct {
	AgentID    string
	APIKey     string
	WSBaseURL  string
	APIBaseURL string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

// ElevenLabsDialer connects to the ElevenLabs Conversational AI websocket.
// With an API key it dials a signed URL, otherwise the public agent URL.
type ElevenLabsDialer struct {
	cfg Config
}

var _ relay.AgentDialer = (*ElevenLabsDialer)(nil)

func NewElevenLabsDialer(cfg Config) *ElevenLabsDialer {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = "https://api.elevenlabs.io"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &ElevenLabsDialer{cfg: cfg}
}

func (d *ElevenLabsDialer) Dial(ctx context.Context) (relay.Channel, error) {
	target, err := d.ConversationURL(ctx)
	if err != nil {
		return nil, err
	}
	conn, resp, err := d.cfg.Dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial agent websocket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial agent websocket: %w", err)
	}
	conn.SetReadLimit(4 << 20)
	return conn, nil
}

// ConversationURL resolves the websocket URL for a new conversation.
func (d *ElevenLabsDialer) ConversationURL(ctx context.Context) (string, error) {
	if strings.TrimSpace(d.cfg.AgentID) == "" {
		return "", fmt.Errorf("agent id is required")
	}
	if strings.TrimSpace(d.cfg.APIKey) == "" {
		u, err := url.Parse(strings.TrimRight(d.cfg.WSBaseURL, "/") + "/v1/convai/conversation")
		if err != nil {
			return "", err
		}
		q := u.Query()
		q.Set("agent_id", d.cfg.AgentID)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}
	return d.signedURL(ctx)
}

func (d *ElevenLabsDialer) signedURL(ctx context.Context) (string, error) {
	u, err := url.Parse(strings.TrimRight(d.cfg.APIBaseURL, "/") + "/v1/convai/conversation/get-signed-url")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("agent_id", d.cfg.AgentID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", d.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignedURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrSignedURL, err)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: status %d: %s", ErrSignedURL, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrSignedURL, err)
	}
	if strings.TrimSpace(out.SignedURL) == "" {
		return "", fmt.Errorf("%w: empty signed_url", ErrSignedURL)
	}
	return out.SignedURL, nil
}
