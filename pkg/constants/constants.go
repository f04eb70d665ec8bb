// Package constants defines gateway-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second

	// SessionCloseTimeout bounds the teardown of one client session (end call, presence off)
	SessionCloseTimeout = 5 * time.Second

	// CommandTimeout bounds the handling of one client command
	CommandTimeout = 15 * time.Second
)

// WebSocket constants
const (
	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 54 * time.Second

	// WebSocketPongWait is how long a connection may stay silent before it is dropped
	WebSocketPongWait = 60 * time.Second

	// WebSocketWriteWait is the deadline for one frame write
	WebSocketWriteWait = 10 * time.Second

	// WebSocketMaxMessageSize caps one inbound command frame
	WebSocketMaxMessageSize = 64 * 1024

	// WebSocketSendBuffer is the number of outbound pushes queued per connection
	WebSocketSendBuffer = 256
)

// Message constants
const (
	// MaxMessageLength is the maximum allowed message length
	MaxMessageLength = 10000
)

// Call history constants
const (
	// DefaultHistoryLimit is the default number of call history entries returned
	DefaultHistoryLimit = 20

	// MaxHistoryLimit is the maximum number of call history entries returned
	MaxHistoryLimit = 100

	// CallHistoryTTL is how long archived calls are kept (90 days)
	CallHistoryTTL = 90 * 24 * time.Hour
)
