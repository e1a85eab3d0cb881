// Package domain contains core domain types for the wabridge service.
package domain

import (
	"strings"
	"time"
)

// ConnState is the lifecycle state of a per-user WhatsApp session.
type ConnState string

const (
	StateUninitialized   ConnState = "uninitialized"
	StateInitializing    ConnState = "initializing"
	StateAwaitingPairing ConnState = "awaiting_pairing"
	StateConnected       ConnState = "connected"
	StateDisconnected    ConnState = "disconnected"
	StateReconnecting    ConnState = "reconnecting"
	StateTornDown        ConnState = "torn_down"
)

// Live reports whether the session currently holds a working connection.
func (s ConnState) Live() bool {
	return s == StateConnected
}

// Terminal reports whether the session has been torn down for good.
func (s ConnState) Terminal() bool {
	return s == StateTornDown
}

// SessionSnapshot is the persisted per-user slice of lifecycle state.
// The state file maps userID -> snapshot and is rewritten wholesale.
type SessionSnapshot struct {
	State                ConnState  `json:"state"`
	HasCredentials       bool       `json:"hasCredentials"`
	LastConnectedAt      *time.Time `json:"lastConnectedAt,omitempty"`
	LastDisconnectedAt   *time.Time `json:"lastDisconnectedAt,omitempty"`
	LastDisconnectReason string     `json:"lastDisconnectReason,omitempty"`
	RequiresNewPairing   bool       `json:"requiresNewPairing,omitempty"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// SessionStatus is the externally visible status of one session.
type SessionStatus struct {
	UserID               string     `json:"userId"`
	State                ConnState  `json:"state"`
	Connected            bool       `json:"connected"`
	HasSession           bool       `json:"hasSession"`
	QRAvailable          bool       `json:"qrAvailable"`
	ChatCount            int        `json:"chatCount"`
	LastConnectedAt      *time.Time `json:"lastConnectedAt,omitempty"`
	LastDisconnectedAt   *time.Time `json:"lastDisconnectedAt,omitempty"`
	LastDisconnectReason string     `json:"lastDisconnectReason,omitempty"`
	RequiresNewPairing   bool       `json:"requiresNewPairing,omitempty"`
}

// ClientInfo describes the device/account behind a connected session,
// as reported by the client library on ready.
type ClientInfo struct {
	PushName string `json:"pushName,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// QRCode is a pending pairing challenge. The latest code replaces any
// previous one; codes rotate until the user scans or the session connects.
type QRCode struct {
	Code     string    `json:"qrCode"`
	IssuedAt time.Time `json:"timestamp"`
}

// IsLogoutReason reports whether a disconnect reason is an authoritative
// logout. Stored credentials are invalid after such a disconnect and the
// session must not auto-reconnect without a fresh pairing.
func IsLogoutReason(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "logged out") ||
		strings.Contains(r, "logged_out") ||
		strings.Contains(r, "logout") ||
		strings.Contains(r, "401")
}

// IsSuspensionReason reports whether a disconnect was requested because the
// user's account is suspended. A suspension disconnect behaves like cleanup.
func IsSuspensionReason(reason string) bool {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "suspended", "account_suspended", "user_suspended":
		return true
	}
	return false
}
