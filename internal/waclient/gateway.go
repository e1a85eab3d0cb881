package waclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/wabridge/internal/config"
	"github.com/ashureev/wabridge/internal/domain"
)

// Frames large enough for credential bundles and full chat directories.
const gatewayReadLimit = 1 << 24

// GatewayDialer connects to the protocol gateway over websocket. The gateway
// process owns the real WhatsApp protocol; this side only speaks a small JSON
// frame envelope and treats everything inside as opaque.
type GatewayDialer struct {
	url         string
	dialTimeout time.Duration
}

var _ Dialer = (*GatewayDialer)(nil)

// NewGatewayDialer returns a dialer for the configured gateway endpoint.
func NewGatewayDialer(cfg config.GatewayConfig) *GatewayDialer {
	return &GatewayDialer{
		url:         cfg.URL,
		dialTimeout: cfg.DialTimeout,
	}
}

// frame is the JSON envelope shared by both directions of the gateway link.
type frame struct {
	Type         string                  `json:"type"`
	UserID       string                  `json:"userId,omitempty"`
	InstanceID   string                  `json:"instanceId,omitempty"`
	FreshPairing bool                    `json:"freshPairing,omitempty"`
	Credentials  []domain.CredentialFile `json:"credentials,omitempty"`
	Code         string                  `json:"code,omitempty"`
	Reason       string                  `json:"reason,omitempty"`
	ClientInfo   *domain.ClientInfo      `json:"clientInfo,omitempty"`
	Files        []domain.CredentialFile `json:"files,omitempty"`
	Chats        []domain.Chat           `json:"chats,omitempty"`
	Message      *domain.Message         `json:"message,omitempty"`
}

// Dial opens a websocket to the gateway and performs the hello handshake for
// one user. The returned session's event stream stays alive until the socket
// dies or Close is called; the passed context only bounds the handshake.
func (d *GatewayDialer) Dial(ctx context.Context, p DialParams) (Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", d.url, err)
	}
	conn.SetReadLimit(gatewayReadLimit)

	hello := frame{
		Type:         "hello",
		UserID:       p.UserID,
		InstanceID:   uuid.NewString(),
		FreshPairing: p.FreshPairing,
	}
	if !p.FreshPairing {
		hello.Credentials = p.Credentials
	}
	if err := writeFrame(dialCtx, conn, hello); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "hello failed")
		return nil, fmt.Errorf("send hello for user %s: %w", p.UserID, err)
	}

	readCtx, cancelRead := context.WithCancel(context.Background())
	s := &gatewaySession{
		userID:  p.UserID,
		conn:    conn,
		events:  make(chan Event, 64),
		readCtx: readCtx,
		cancel:  cancelRead,
	}
	go s.readLoop()

	slog.Debug("Gateway session opened", "user_id", p.UserID, "instance_id", hello.InstanceID, "fresh", p.FreshPairing)
	return s, nil
}

// gatewaySession is one live websocket link for a single user.
type gatewaySession struct {
	userID  string
	conn    *websocket.Conn
	events  chan Event
	readCtx context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

var _ Session = (*gatewaySession)(nil)

func (s *gatewaySession) Events() <-chan Event {
	return s.events
}

func (s *gatewaySession) RequestChats(ctx context.Context) error {
	if err := writeFrame(ctx, s.conn, frame{Type: "chats_request"}); err != nil {
		return fmt.Errorf("request chats for user %s: %w", s.userID, err)
	}
	return nil
}

func (s *gatewaySession) Close(ctx context.Context, reason string) error {
	s.closeOnce.Do(func() {
		if domain.IsLogoutReason(reason) {
			// Ask the gateway to invalidate the pairing before the socket goes.
			if err := writeFrame(ctx, s.conn, frame{Type: "logout"}); err != nil {
				slog.Debug("Failed to send logout frame", "user_id", s.userID, "error", err)
			}
		}
		s.cancel()
		s.closeErr = s.conn.Close(websocket.StatusNormalClosure, closeReason(reason))
	})
	return s.closeErr
}

func (s *gatewaySession) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(s.readCtx)
		if err != nil {
			if s.readCtx.Err() != nil {
				return
			}
			if status := websocket.CloseStatus(err); status != -1 {
				slog.Debug("Gateway closed session", "user_id", s.userID, "status", status)
			} else {
				slog.Warn("Gateway read error", "user_id", s.userID, "error", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("Malformed gateway frame", "user_id", s.userID, "error", err)
			continue
		}
		ev, ok := decodeFrame(s.userID, f)
		if !ok {
			slog.Debug("Unknown gateway frame type", "user_id", s.userID, "type", f.Type)
			continue
		}

		select {
		case s.events <- ev:
		case <-s.readCtx.Done():
			return
		}
	}
}

// decodeFrame maps a gateway frame onto a typed event.
func decodeFrame(userID string, f frame) (Event, bool) {
	switch f.Type {
	case "qr":
		return QREvent{Code: f.Code}, true
	case "authenticated":
		return AuthenticatedEvent{}, true
	case "ready":
		var info domain.ClientInfo
		if f.ClientInfo != nil {
			info = *f.ClientInfo
		}
		return ReadyEvent{Info: info}, true
	case "credentials":
		return CredentialsEvent{Files: f.Files}, true
	case "chats":
		return ChatsEvent{Chats: f.Chats}, true
	case "message":
		if f.Message == nil {
			return nil, false
		}
		m := *f.Message
		m.UserID = userID
		return MessageEvent{Message: m}, true
	case "disconnected":
		return DisconnectedEvent{Reason: f.Reason}, true
	default:
		return nil, false
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// closeReason trims a reason to the websocket close-frame limit.
func closeReason(reason string) string {
	const max = 120
	if reason == "" {
		return "session closed"
	}
	if len(reason) > max {
		return reason[:max]
	}
	return reason
}
