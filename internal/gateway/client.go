package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfman30/payreminder/pkg/logging"
)

const defaultUserAgent = "payreminder-gateway/1.0"

// ClientConfig controls how the HTTP gateway client behaves.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Session    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
	UserAgent  string
}

// Client talks to a WhatsApp HTTP gateway exposing per-session REST endpoints:
//
//	POST {base}/api/{session}/send-message
//	GET  {base}/api/{session}/check-connection-session
//
// It does not retry; callers own the retry policy.
type Client struct {
	baseURL    string
	apiKey     string
	session    string
	httpClient *http.Client
	logger     *logging.Logger
	userAgent  string
}

// NewClient creates a configured Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("gateway: base URL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("gateway: invalid base URL: %w", err)
	}
	session := strings.TrimSpace(cfg.Session)
	if session == "" {
		session = "default"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		session:    session,
		httpClient: httpClient,
		logger:     logger,
		userAgent:  userAgent,
	}, nil
}

type sendMessageRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
	IsGroup bool   `json:"isGroup"`
}

type sendMessageResponse struct {
	Status   string `json:"status"`
	Response []struct {
		ID  string `json:"id"`
		Ack int    `json:"ack"`
	} `json:"response"`
	Message string `json:"message"`
}

// Send posts a text message to the gateway.
func (c *Client) Send(ctx context.Context, phone, text string) (SendResult, error) {
	if strings.TrimSpace(phone) == "" {
		return SendResult{}, Permanent(errors.New("recipient phone required"))
	}
	if strings.TrimSpace(text) == "" {
		return SendResult{}, Permanent(errors.New("message text required"))
	}
	body, err := json.Marshal(sendMessageRequest{Phone: phone, Message: text})
	if err != nil {
		return SendResult{}, fmt.Errorf("gateway: marshal send body: %w", err)
	}
	data, err := c.do(ctx, http.MethodPost, c.sessionPath("send-message"), body)
	if err != nil {
		return SendResult{}, err
	}
	var resp sendMessageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return SendResult{}, Transient(fmt.Errorf("decode send response: %w", err))
	}
	if !strings.EqualFold(resp.Status, "success") {
		return SendResult{}, &Error{Kind: KindPermanent, Message: defaultString(resp.Message, "send rejected: "+resp.Status)}
	}
	result := SendResult{Status: "sent"}
	if len(resp.Response) > 0 {
		result.MessageID = resp.Response[0].ID
	}
	return result, nil
}

type connectionResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
}

// Status checks whether the gateway session is connected.
func (c *Client) Status(ctx context.Context) (SessionStatus, error) {
	data, err := c.do(ctx, http.MethodGet, c.sessionPath("check-connection-session"), nil)
	if err != nil {
		return SessionStatus{State: SessionUnknown, UpdatedAt: time.Now().UTC()}, err
	}
	var resp connectionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return SessionStatus{State: SessionUnknown, UpdatedAt: time.Now().UTC()}, fmt.Errorf("gateway: decode status: %w", err)
	}
	state := SessionDisconnected
	if resp.Status {
		state = SessionConnected
	}
	return SessionStatus{State: state, Detail: resp.Message, UpdatedAt: time.Now().UTC()}, nil
}

func (c *Client) sessionPath(action string) string {
	return "/api/" + url.PathEscape(c.session) + "/" + action
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		return nil, Transient(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, Transient(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	gwErr := classifyStatus(resp.StatusCode, data)
	c.logger.Warn("gateway request failed",
		"path", path,
		"status", resp.StatusCode,
		"kind", gwErr.Kind.String(),
	)
	return nil, gwErr
}

func classifyStatus(status int, body []byte) *Error {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	msg := defaultString(payload.Message, payload.Error)
	if msg == "" {
		msg = http.StatusText(status)
	}
	kind := KindPermanent
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		kind = KindTransient
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	}
	return &Error{Kind: kind, StatusCode: status, Message: msg}
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
