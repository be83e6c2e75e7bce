// Package payload is the REST client for the persistence backend that owns
// the conversation and chat_messages collections. The relay never touches
// durable storage except through this API.
package payload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// NewClient builds a client for the backend at baseURL. Every request is
// bounded by timeout so a stalled backend can never hang an event handler.
func NewClient(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

// APIError is a non-2xx backend response, body included for the logs.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payload api: status %d: %s", e.Status, e.Body)
}

// GetConversation fetches a conversation document by id.
func (c *Client) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := json.Unmarshal(body, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &conv, nil
}

// CreateMessage persists a new message and returns the created document.
func (c *Client) CreateMessage(ctx context.Context, req CreateMessageRequest) (*Message, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, "/api/chat_messages", payload)
	if err != nil {
		return nil, err
	}
	return decodeMessageDoc(body)
}

// GetMessage re-fetches a message at the given relational depth so embedded
// references (file URLs, MIME types) come back populated.
func (c *Client) GetMessage(ctx context.Context, id string, depth int) (*Message, error) {
	path := fmt.Sprintf("/api/chat_messages/%s?depth=%d", url.PathEscape(id), depth)
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessageDoc(body)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payload api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("payload api: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// decodeMessageDoc unwraps the {doc: ...} envelope the backend uses for
// message create and fetch responses.
func decodeMessageDoc(body []byte) (*Message, error) {
	var envelope struct {
		Doc json.RawMessage `json:"doc"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}
	if len(envelope.Doc) == 0 {
		return nil, fmt.Errorf("decode message envelope: missing doc")
	}
	var msg Message
	if err := json.Unmarshal(envelope.Doc, &msg); err != nil {
		return nil, fmt.Errorf("decode message doc: %w", err)
	}
	msg.Raw = envelope.Doc
	return &msg, nil
}
