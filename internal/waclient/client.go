// Package waclient abstracts the WhatsApp client capability behind a small
// interface the lifecycle manager can drive without knowing anything about
// the underlying wire protocol.
package waclient

import (
	"context"

	"github.com/ashureev/wabridge/internal/domain"
)

// Event is one occurrence on a live session's stream.
type Event interface {
	event()
}

// QREvent carries a fresh pairing challenge. Codes rotate; the latest one
// replaces any previous code.
type QREvent struct {
	Code string
}

// AuthenticatedEvent signals that a pairing was accepted. Credentials
// usually follow shortly as a CredentialsEvent.
type AuthenticatedEvent struct{}

// ReadyEvent signals a fully established connection.
type ReadyEvent struct {
	Info domain.ClientInfo
}

// CredentialsEvent delivers updated opaque credential files to persist.
type CredentialsEvent struct {
	Files []domain.CredentialFile
}

// ChatsEvent delivers a full or partial chat directory sync.
type ChatsEvent struct {
	Chats []domain.Chat
}

// MessageEvent delivers one inbound message.
type MessageEvent struct {
	Message domain.Message
}

// DisconnectedEvent signals the link went down. Reason distinguishes an
// authoritative logout from transient failures.
type DisconnectedEvent struct {
	Reason string
}

func (QREvent) event()            {}
func (AuthenticatedEvent) event() {}
func (ReadyEvent) event()         {}
func (CredentialsEvent) event()   {}
func (ChatsEvent) event()         {}
func (MessageEvent) event()       {}
func (DisconnectedEvent) event()  {}

// DialParams carries everything the capability needs to start one session.
type DialParams struct {
	UserID string
	// Credentials restore a previous pairing. Going out with no credentials,
	// or with FreshPairing set, forces a new QR handshake.
	Credentials  []domain.CredentialFile
	FreshPairing bool
}

// Session is one live link to the chat network for a single user.
type Session interface {
	// Events returns the session's event stream. The channel closes when the
	// underlying link dies or Close is called.
	Events() <-chan Event

	// RequestChats asks the remote side for a chat directory sync; results
	// arrive as a ChatsEvent on the stream.
	RequestChats(ctx context.Context) error

	// Close tears down the link. A logout reason additionally asks the
	// remote side to invalidate the pairing.
	Close(ctx context.Context, reason string) error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, params DialParams) (Session, error)
}
