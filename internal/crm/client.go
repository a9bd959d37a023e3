package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tradelinehq/convo/internal/model"
)

const defaultTimeout = 30 * time.Second

// Client talks to the conversations backend over REST. It is safe for
// concurrent use.
type Client struct {
	baseURL    string
	token      string
	locationID string
	httpClient *http.Client
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a backend client scoped to one location.
func NewClient(baseURL, token, locationID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		locationID: locationID,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListConversations returns the location's conversations, optionally
// filtered by the backend's free-text filter.
func (c *Client) ListConversations(ctx context.Context, filter string) ([]model.Conversation, error) {
	query := url.Values{}
	query.Set("locationId", c.locationID)
	if filter != "" {
		query.Set("filter", filter)
	}

	data, err := c.doRequest(ctx, http.MethodGet, "/conversations", nil, query)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Conversations []wireConversation `json:"conversations"`
	}](data)
	if err != nil {
		return nil, err
	}

	out := make([]model.Conversation, 0, len(resp.Conversations))
	for i := range resp.Conversations {
		out = append(out, *normalizeConversation(&resp.Conversations[i]))
	}
	return out, nil
}

// ListMessages returns one page of a conversation's history, newest
// first, along with the backend's pagination metadata.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit, offset int) (*model.Page, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	query.Set("offset", strconv.Itoa(offset))

	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Messages   []wireMessage `json:"messages"`
		Pagination struct {
			Total   int  `json:"total"`
			Limit   int  `json:"limit"`
			Offset  int  `json:"offset"`
			HasMore bool `json:"hasMore"`
		} `json:"pagination"`
	}](data)
	if err != nil {
		return nil, err
	}

	page := &model.Page{
		Messages: make([]model.Message, 0, len(resp.Messages)),
		Info: model.PageInfo{
			Total:   resp.Pagination.Total,
			Limit:   resp.Pagination.Limit,
			Offset:  resp.Pagination.Offset,
			HasMore: resp.Pagination.HasMore,
		},
	}
	for i := range resp.Messages {
		page.Messages = append(page.Messages, *normalizeMessage(&resp.Messages[i]))
	}
	return page, nil
}

// FetchContent retrieves the full body of a message whose list payload
// carried only a stub.
func (c *Client) FetchContent(ctx context.Context, contentID string) (*model.Content, error) {
	path := "/conversations/messages/" + url.PathEscape(contentID) + "/content"
	data, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := decodeJSON[struct {
		Body     string `json:"body"`
		RichBody string `json:"richBody"`
		Subject  string `json:"subject"`
	}](data)
	if err != nil {
		return nil, err
	}
	return &model.Content{Body: resp.Body, RichBody: resp.RichBody, Subject: resp.Subject}, nil
}

// SendMessage submits a message. idempotencyKey is the client tempId so
// a retried send cannot double-deliver server-side. The error may carry
// the documented false-negative signature; callers classify it with
// IsFalseNegativeSend.
func (c *Client) SendMessage(ctx context.Context, p model.SendPayload, idempotencyKey string) error {
	body := map[string]string{
		"type":           kindToWire(p.Kind),
		"conversationId": p.ConversationID,
		"contactId":      p.ContactID,
		"message":        p.Body,
	}
	if p.Subject != "" {
		body["subject"] = p.Subject
	}

	data, err := c.doRequestWithHeaders(ctx, http.MethodPost, "/conversations/messages", body, nil,
		map[string]string{"X-Idempotency-Key": idempotencyKey})
	if err != nil {
		return err
	}
	resp, err := decodeJSON[struct {
		Accepted bool `json:"accepted"`
	}](data)
	if err != nil {
		return err
	}
	if !resp.Accepted {
		return ErrNotAccepted
	}
	return nil
}

func kindToWire(k model.Kind) string {
	switch k {
	case model.KindEmail:
		return "Email"
	case model.KindActivity:
		return "Activity"
	default:
		return "SMS"
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query url.Values) ([]byte, error) {
	return c.doRequestWithHeaders(ctx, method, path, body, query, nil)
}

func (c *Client) doRequestWithHeaders(ctx context.Context, method, path string, body any, query url.Values, headers map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, b)
	}
	return b, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &result, nil
}
