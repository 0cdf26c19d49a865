// Package channels defines the connection contract shared by groupguard
// messaging sessions. The WhatsApp session implements Channel so the
// serve command and the HTTP surface can manage and report on it.
package channels

import (
	"context"
	"errors"
	"time"
)

// Channel is a long-lived messaging session.
type Channel interface {
	// Name returns the channel identifier (e.g. "whatsapp").
	Name() string

	// Connect establishes the session. It may return before the session is
	// fully linked (e.g. while waiting for a QR scan).
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the session.
	Disconnect() error

	// IsConnected returns true if the session is usable.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus

	// Halted is closed when the session stopped for good and needs operator
	// action (e.g. it was logged out). Err then explains why.
	Halted() <-chan struct{}
	Err() error
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool           `json:"connected"`
	State         string         `json:"state"`
	LastMessageAt time.Time      `json:"last_message_at,omitzero"`
	ErrorCount    int            `json:"error_count"`
	Details       map[string]any `json:"details,omitempty"`
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrLoggedOut           = errors.New("session logged out, re-authentication required")
	ErrReconnectExhausted  = errors.New("maximum reconnect attempts reached")
)
