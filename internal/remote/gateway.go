package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mvellosa/courier/internal/config"
)

const maxResponseBytes = 1 << 20

// TokenSource supplies the bearer token attached to every remote call.
type TokenSource interface {
	Token() (string, error)
}

// Message is the wire form of a message.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	SentAt         int64  `json:"sent_at"`
}

// Conversation is the wire form of a conversation.
type Conversation struct {
	ID            string   `json:"id"`
	Participants  []string `json:"participants"`
	DisplayName   string   `json:"display_name"`
	Interlocutor  string   `json:"interlocutor_id"`
	IsActive      bool     `json:"is_active"`
	CreatedAt     int64    `json:"created_at"`
	LastMessageAt int64    `json:"last_message_at"`
}

// Announcement is the wire form of an announcement.
type Announcement struct {
	ID       string `json:"id"`
	AuthorID string `json:"author_id"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	PostedAt int64  `json:"posted_at"`
}

// Contact is the wire form of a contact directory entry.
type Contact struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type createResponse struct {
	ID string `json:"id"`
}

// Gateway talks to the remote service, one call per entity operation.
// It performs no local state mutation; callers decide what a success or
// classified failure means for the store.
type Gateway struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	timeout    time.Duration
}

// NewGateway creates a gateway from the remote config section.
func NewGateway(cfg config.Remote, tokens TokenSource, httpClient *http.Client) *Gateway {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout()}
	}
	return &Gateway{
		httpClient: httpClient,
		baseURL:    cfg.BaseURL,
		tokens:     tokens,
		timeout:    cfg.Timeout(),
	}
}

// CreateMessage pushes a new message; returns the remote-assigned id.
func (g *Gateway) CreateMessage(ctx context.Context, m Message) (string, error) {
	return g.create(ctx, "create message", "/v1/messages", m)
}

// DeleteMessage deletes a message remotely.
func (g *Gateway) DeleteMessage(ctx context.Context, id string) error {
	return g.do(ctx, "delete message", http.MethodDelete, "/v1/messages/"+id, nil, nil)
}

// FetchMessages returns all messages visible to the authenticated user.
func (g *Gateway) FetchMessages(ctx context.Context) ([]Message, error) {
	var out []Message
	err := g.do(ctx, "fetch messages", http.MethodGet, "/v1/messages", nil, &out)
	return out, err
}

// CreateConversation pushes a new conversation; returns the remote id.
func (g *Gateway) CreateConversation(ctx context.Context, c Conversation) (string, error) {
	return g.create(ctx, "create conversation", "/v1/conversations", c)
}

// UpdateConversation pushes conversation mutations (display name, active flag).
func (g *Gateway) UpdateConversation(ctx context.Context, c Conversation) error {
	return g.do(ctx, "update conversation", http.MethodPut, "/v1/conversations/"+c.ID, c, nil)
}

// DeleteConversation deletes a conversation remotely.
func (g *Gateway) DeleteConversation(ctx context.Context, id string) error {
	return g.do(ctx, "delete conversation", http.MethodDelete, "/v1/conversations/"+id, nil, nil)
}

// FetchConversations returns all conversations for the authenticated user.
func (g *Gateway) FetchConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	err := g.do(ctx, "fetch conversations", http.MethodGet, "/v1/conversations", nil, &out)
	return out, err
}

// CreateAnnouncement pushes a new announcement; returns the remote id.
func (g *Gateway) CreateAnnouncement(ctx context.Context, a Announcement) (string, error) {
	return g.create(ctx, "create announcement", "/v1/announcements", a)
}

// UpdateAnnouncement pushes an edited announcement.
func (g *Gateway) UpdateAnnouncement(ctx context.Context, a Announcement) error {
	return g.do(ctx, "update announcement", http.MethodPut, "/v1/announcements/"+a.ID, a, nil)
}

// DeleteAnnouncement deletes an announcement remotely.
func (g *Gateway) DeleteAnnouncement(ctx context.Context, id string) error {
	return g.do(ctx, "delete announcement", http.MethodDelete, "/v1/announcements/"+id, nil, nil)
}

// FetchAnnouncements returns the full announcement feed.
func (g *Gateway) FetchAnnouncements(ctx context.Context) ([]Announcement, error) {
	var out []Announcement
	err := g.do(ctx, "fetch announcements", http.MethodGet, "/v1/announcements", nil, &out)
	return out, err
}

// RegisterToken forwards a device notification token.
func (g *Gateway) RegisterToken(ctx context.Context, token string) error {
	body := map[string]string{"token": token}
	return g.do(ctx, "register token", http.MethodPost, "/v1/device-tokens", body, nil)
}

// UnregisterToken removes the device notification token.
func (g *Gateway) UnregisterToken(ctx context.Context) error {
	return g.do(ctx, "unregister token", http.MethodDelete, "/v1/device-tokens", nil, nil)
}

// FetchContacts returns the contact directory for display-name joins.
func (g *Gateway) FetchContacts(ctx context.Context) ([]Contact, error) {
	var out []Contact
	err := g.do(ctx, "fetch contacts", http.MethodGet, "/v1/contacts", nil, &out)
	return out, err
}

func (g *Gateway) create(ctx context.Context, op, path string, body any) (string, error) {
	var resp createResponse
	if err := g.do(ctx, op, http.MethodPost, path, body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// do sends one JSON request and decodes the response into out (if non-nil).
// Failures are returned as *Error with a classification the state machine
// can branch on.
func (g *Gateway) do(ctx context.Context, op, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.tokens != nil {
		token, err := g.tokens.Token()
		if err != nil {
			return &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("token: %w", err)}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &Error{Kind: KindTransient, Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			Kind: classifyStatus(resp.StatusCode),
			Op:   op,
			Err:  fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 256)),
		}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &Error{Kind: KindRejected, Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
