// Package gateway serves browser terminal sessions over websockets:
// attach and reattach with replay, bidirectional pumps between the
// client socket and the container's multiplexer, and keepalive.
package gateway

// Frame is the JSON record carried per websocket message in both
// directions.
type Frame struct {
	Type      string `json:"type"`
	Data      string `json:"data,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Frame types. The client sends input, resize and ping; the gateway
// sends the rest.
const (
	FrameInput     = "input"
	FrameOutput    = "output"
	FrameResize    = "resize"
	FramePing      = "ping"
	FramePong      = "pong"
	FrameError     = "error"
	FrameReady     = "ready"
	FrameReconnect = "reconnect"
)

// Close codes in the client direction.
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseMissingParams = 4001
	CloseAuthFailed    = 4002
	CloseNotFound      = 4003
	CloseSetupFailed   = 4004
)

// compressThreshold is the per-message deflate threshold in bytes.
const compressThreshold = 1024
