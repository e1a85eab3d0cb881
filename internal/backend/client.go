// Package backend talks to the analytics backend's webhook surface.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/wabridge/internal/config"
	"github.com/ashureev/wabridge/internal/domain"
)

const (
	messagePath       = "/webhook/whatsapp/message"
	connectedPath     = "/webhook/whatsapp/connected"
	disconnectedPath  = "/webhook/whatsapp/disconnected"
	activeUsersPath   = "/webhook/whatsapp/active-users"
	healthPath        = "/health"
	messageTypeChat   = "chat"
)

// Notifier defines what the lifecycle manager needs from the backend.
type Notifier interface {
	// SubmitMessage forwards one inbound message.
	SubmitMessage(ctx context.Context, msg domain.Message) error

	// NotifyConnected reports a session reaching the connected state.
	NotifyConnected(ctx context.Context, userID string, info domain.ClientInfo) error

	// NotifyDisconnected reports a session losing its connection.
	NotifyDisconnected(ctx context.Context, userID string) error

	// ActiveUserIDs returns the IDs of users the backend considers active.
	ActiveUserIDs(ctx context.Context) ([]string, error)
}

// Client is the HTTP implementation of Notifier.
type Client struct {
	baseURL string
	http    *http.Client
}

// Ensure Client implements Notifier.
var _ Notifier = (*Client)(nil)

// NewClient creates a webhook client for the configured backend.
func NewClient(cfg config.BackendConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// messageWebhook mirrors the backend's inbound message schema.
type messageWebhook struct {
	UserID    string `json:"userId"`
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	ChatName  string `json:"chatName"`
	ChatType  string `json:"chatType"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	HasMedia  bool   `json:"hasMedia"`
	FromMe    bool   `json:"fromMe"`
	Type      string `json:"type"`
}

// connectionWebhook mirrors the backend's connection event schema.
type connectionWebhook struct {
	UserID     string             `json:"userId"`
	Timestamp  string             `json:"timestamp"`
	ClientInfo *domain.ClientInfo `json:"clientInfo,omitempty"`
}

// SubmitMessage forwards one inbound message to the backend.
func (c *Client) SubmitMessage(ctx context.Context, msg domain.Message) error {
	payload := messageWebhook{
		UserID:    msg.UserID,
		MessageID: msg.MessageID,
		ChatID:    msg.ChatID,
		ChatName:  msg.ChatName,
		ChatType:  msg.ChatType,
		Sender:    msg.Sender,
		Content:   msg.Content,
		Timestamp: msg.Timestamp.UTC().Format(time.RFC3339),
		HasMedia:  msg.HasMedia,
		FromMe:    msg.FromMe,
		Type:      messageTypeChat,
	}
	return c.post(ctx, messagePath, payload)
}

// NotifyConnected reports a session reaching the connected state.
func (c *Client) NotifyConnected(ctx context.Context, userID string, info domain.ClientInfo) error {
	payload := connectionWebhook{
		UserID:    userID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if info != (domain.ClientInfo{}) {
		payload.ClientInfo = &info
	}
	return c.post(ctx, connectedPath, payload)
}

// NotifyDisconnected reports a session losing its connection.
func (c *Client) NotifyDisconnected(ctx context.Context, userID string) error {
	payload := connectionWebhook{
		UserID:    userID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	return c.post(ctx, disconnectedPath, payload)
}

// ActiveUserIDs queries the backend for the current active user set. IDs are
// normalised to strings regardless of how the backend encodes them.
func (c *Client) ActiveUserIDs(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+activeUsersPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build active users request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", activeUsersPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s: unexpected status %d", activeUsersPath, resp.StatusCode)
	}

	var body struct {
		ActiveUsers []struct {
			ID any `json:"id"`
		} `json:"active_users"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("parse active users: %w", err)
	}

	ids := make([]string, 0, len(body.ActiveUsers))
	for _, u := range body.ActiveUsers {
		if id := normalizeID(u.ID); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Health checks backend reachability.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend health: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

func normalizeID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case json.Number:
		return id.String()
	case float64:
		return fmt.Sprintf("%.0f", id)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
