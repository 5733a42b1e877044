// Package suuq provides the official Go SDK for the Suuq marketplace
// messaging API.
//
// The SDK centers on a real-time conversation synchronization engine: a
// Socket that multiplexes live events over one connection per identity, and
// per-conversation ConversationSync controllers that merge live pushes,
// REST-fetched history and periodic reconciliation polls into one ordered,
// deduplicated message list.
//
// Example:
//
//	client := suuq.NewClient("jwt-token")
//	socket := client.Chat().Realtime.Socket(nil)
//	socket.Connect(ctx, "user-123")
//	defer socket.Disconnect()
//
//	sync := client.Chat().Sync("listing-42", socket, nil)
//	if err := sync.Open(ctx); err != nil { ... }
//	defer sync.Close()
//
//	sync.OnUpdate(func() { render(sync.Messages()) })
//	sync.SendText(ctx, "Is this still available?")
package suuq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultBaseURL is used when neither WithBaseURL nor EnvBaseURL is set.
	DefaultBaseURL = "http://localhost:4000"
	// EnvBaseURL overrides the default base URL for both the REST API and the
	// socket endpoint.
	EnvBaseURL = "SUUQ_API_URL"

	DefaultTimeout = 30 * time.Second
)

// ErrConversationNotFound is returned when an external conversation reference
// cannot be resolved to an internal conversation.
var ErrConversationNotFound = errors.New("suuq: conversation not found")

// ============================================================================
// Client
// ============================================================================

type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	chat       *ChatClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger enables debug logging. The SDK is silent by default.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new Suuq client. token is the session JWT; pass "" for
// endpoints that accept anonymous access. The base URL falls back to
// $SUUQ_API_URL, then DefaultBaseURL.
func NewClient(token string, opts ...ClientOption) *Client {
	base := DefaultBaseURL
	if v := os.Getenv(EnvBaseURL); v != "" {
		base = strings.TrimRight(v, "/")
	}
	c := &Client{
		token:   token,
		baseURL: base,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.chat = newChatClient(c)
	return c
}

// SetToken sets or updates the session token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the resolved API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Chat returns the chat API sub-client.
func (c *Client) Chat() *ChatClient {
	return c.chat
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug().Str("method", method).Str("path", path).Msg("api request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Chat Client
// ============================================================================

// ChatClient provides access to the chat API.
type ChatClient struct {
	client *Client

	Conversations *ConversationsClient
	Realtime      *RealtimeClient
}

func newChatClient(c *Client) *ChatClient {
	ch := &ChatClient{client: c}
	ch.Conversations = &ConversationsClient{chat: ch}
	ch.Realtime = &RealtimeClient{chat: ch}
	return ch
}

func (ch *ChatClient) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	data, err := ch.client.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[APIResult](data)
}

// Sync creates a ConversationSync for an external conversation reference,
// backed by this client's Conversations repository. socket may be nil, in
// which case the synchronizer runs in poll-only mode.
func (ch *ChatClient) Sync(externalID string, socket *Socket, cfg *SyncConfig) *ConversationSync {
	return NewConversationSync(ch.Conversations, socket, externalID, cfg)
}

// ============================================================================
// Conversations / Message Repository
// ============================================================================

// MessageRepository is the REST boundary the synchronizer fetches from and
// submits through. *ConversationsClient is the production implementation.
type MessageRepository interface {
	// Details resolves an external conversation reference to its metadata,
	// including the internal channel identifier.
	Details(ctx context.Context, externalID string) (*Conversation, error)
	// Messages returns the conversation's full message history in
	// chronological order.
	Messages(ctx context.Context, externalID string) ([]Message, error)
	// Post submits a new message and returns the confirmed record.
	Post(ctx context.Context, externalID string, draft MessageDraft) (*Message, error)
}

// ConversationsClient handles conversation metadata and message operations.
type ConversationsClient struct{ chat *ChatClient }

var _ MessageRepository = (*ConversationsClient)(nil)

// Details fetches conversation metadata by external reference.
func (cv *ConversationsClient) Details(ctx context.Context, externalID string) (*Conversation, error) {
	result, err := cv.chat.do(ctx, "GET", "/conversations/by-reference/"+url.PathEscape(externalID)+"/details", nil, nil)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, apiErr("fetch conversation details", externalID, result.Error)
	}
	var conv Conversation
	if err := result.Decode(&conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	if conv.ID == "" {
		return nil, fmt.Errorf("conversation %q: empty internal identifier: %w", externalID, ErrConversationNotFound)
	}
	return &conv, nil
}

// Messages fetches the conversation's message history.
func (cv *ConversationsClient) Messages(ctx context.Context, externalID string) ([]Message, error) {
	result, err := cv.chat.do(ctx, "GET", "/conversations/"+url.PathEscape(externalID)+"/messages", nil, nil)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, apiErr("fetch messages", externalID, result.Error)
	}
	var msgs []Message
	if err := result.Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, nil
}

// Post submits a new message to the conversation.
func (cv *ConversationsClient) Post(ctx context.Context, externalID string, draft MessageDraft) (*Message, error) {
	if draft.Kind == "" {
		draft.Kind = KindText
	}
	result, err := cv.chat.do(ctx, "POST", "/conversations/"+url.PathEscape(externalID)+"/messages", draft, nil)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return nil, apiErr("post message", externalID, result.Error)
	}
	var msg Message
	if err := result.Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if msg.State == "" {
		msg.State = DeliveryConfirmed
	}
	return &msg, nil
}

func apiErr(op, externalID string, e *APIError) error {
	if e == nil {
		e = &APIError{Code: "UNKNOWN", Message: "request was not ok"}
	}
	if e.Code == "CONVERSATION_NOT_FOUND" || e.Code == "NOT_FOUND" {
		return fmt.Errorf("%s %q: %w: %s", op, externalID, ErrConversationNotFound, e.Message)
	}
	return fmt.Errorf("%s %q: %w", op, externalID, e)
}

// ============================================================================
// Realtime factory
// ============================================================================

// RealtimeClient builds live socket connections.
type RealtimeClient struct{ chat *ChatClient }

// SocketURL returns the socket endpoint for an identity.
func (r *RealtimeClient) SocketURL(identity string) string {
	base := strings.Replace(r.chat.client.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	if identity != "" {
		return base + "/socket?identity=" + url.QueryEscape(identity)
	}
	return base + "/socket"
}

// Socket creates a Socket bound to this client's base URL. Call Connect to
// establish the connection.
func (r *RealtimeClient) Socket(config *SocketConfig) *Socket {
	var cfg SocketConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	if cfg.Logger == nil {
		cfg.Logger = &r.chat.client.logger
	}
	return newSocket(r.chat.client.baseURL, &cfg)
}
