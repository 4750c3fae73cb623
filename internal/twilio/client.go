// Package twilio is a small Twilio REST client for originating calls and the
// TwiML that routes answered calls into the media stream endpoint.
package twilio

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

	"github.com/antoniostano/callrelay/internal/reliability"
)

const DefaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

// Call status values reported by Twilio.
const (
	CallStatusQueued     = "queued"
	CallStatusRinging    = "ringing"
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusBusy       = "busy"
	CallStatusFailed     = "failed"
	CallStatusNoAnswer   = "no-answer"
	CallStatusCanceled   = "canceled"
)

// Client is a Twilio API client.
type Client struct {
	accountSID   string
	authToken    string
	baseURL      string
	httpClient   *http.Client
	readAttempts int
	retryBackoff time.Duration
}

type Config struct {
	AccountSID string
	AuthToken  string
	BaseURL    string
	HTTPClient *http.Client

	// RetryBackoff is the first delay between retries of read requests.
	// Call creation is never retried.
	RetryBackoff time.Duration
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, fmt.Errorf("twilio account sid is required")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("twilio auth token is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	return &Client{
		accountSID:   cfg.AccountSID,
		authToken:    cfg.AuthToken,
		baseURL:      baseURL,
		httpClient:   httpClient,
		readAttempts: 3,
		retryBackoff: backoff,
	}, nil
}

// Call represents a Twilio call resource.
type Call struct {
	SID         string `json:"sid"`
	AccountSID  string `json:"account_sid"`
	To          string `json:"to"`
	From        string `json:"from"`
	Status      string `json:"status"`
	Direction   string `json:"direction"`
	Duration    string `json:"duration"`
	StartTime   string `json:"start_time"`
	EndTime     string `json:"end_time"`
	DateCreated string `json:"date_created"`
}

type MakeCallParams struct {
	To                  string
	From                string
	Twiml               string
	StatusCallback      string
	StatusCallbackEvent []string
}

// MakeCall originates an outbound call.
func (c *Client) MakeCall(ctx context.Context, params MakeCallParams) (*Call, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, c.accountSID)

	data := url.Values{}
	data.Set("To", params.To)
	data.Set("From", params.From)
	if params.Twiml != "" {
		data.Set("Twiml", params.Twiml)
	}
	if params.StatusCallback != "" {
		data.Set("StatusCallback", params.StatusCallback)
		for _, event := range params.StatusCallbackEvent {
			data.Add("StatusCallbackEvent", event)
		}
	}

	var call Call
	if err := c.post(ctx, endpoint, data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

func (c *Client) GetCall(ctx context.Context, callSID string) (*Call, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, url.PathEscape(callSID))

	var call Call
	if err := c.get(ctx, endpoint, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// HangupCall completes an in-progress call.
func (c *Client) HangupCall(ctx context.Context, callSID string) (*Call, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, url.PathEscape(callSID))
	data := url.Values{}
	data.Set("Status", CallStatusCompleted)

	var call Call
	if err := c.post(ctx, endpoint, data, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// Error is a Twilio API error body.
type Error struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("twilio error %d: %s", e.Code, e.Message)
}

func (c *Client) get(ctx context.Context, endpoint string, result any) error {
	return reliability.Retry(ctx, c.readAttempts, c.retryBackoff, 8*c.retryBackoff, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		return c.do(req, result)
	}, isRetryable)
}

func isRetryable(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return reliability.IsRetryableHTTPStatus(apiErr.Status)
	}
	return false
}

func (c *Client) post(ctx context.Context, endpoint string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("twilio read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
			return &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		}
		if apiErr.Status == 0 {
			apiErr.Status = resp.StatusCode
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
