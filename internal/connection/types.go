package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no ping)")
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrAlreadyClosed    = errors.New("already closed")
	ErrManagerClosed    = errors.New("connection manager closed")
	ErrSuperseded       = errors.New("connect superseded")
	ErrFrameBufferFull  = errors.New("inbound frame buffer full")
)

// TransportError is a failure to establish or use the channel. The manager
// recovers from it with its retry policy; callers only surface it.
type TransportError struct {
	Op  string // "connect", "reconnect", "send"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HandshakeError is a WebSocket upgrade the server answered with a non-101 status.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Frame names on the wire.
const (
	// Server → client
	FrameConnected    = "CONNECTED"
	FrameInitialData  = "INITIAL_DATA"
	FrameUpdateBid    = "UPDATE_BID"
	FrameBidSuccess   = "BID_SUCCESS"
	FrameBidError     = "BID_ERROR"
	FrameOutbid       = "OUTBID"
	FrameAuctionEnded = "AUCTION_ENDED"
	FrameTimeSync     = "TIME_SYNC"

	// Client → server
	FrameBidPlaced   = "BID_PLACED"
	FrameRequestSync = "REQUEST_SYNC"
)

// Envelope is the JSON shape of every frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame builds the envelope for an outbound frame. A nil payload
// leaves the data field out.
func EncodeFrame(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// HelloMsg is the payload of the CONNECTED frame that completes the handshake.
type HelloMsg struct {
	ParticipantID string `json:"participantId"`
	ServerTime    int64  `json:"serverTime"` // Epoch milliseconds
}

// BidPlacedMsg is the payload of an outbound BID_PLACED frame.
type BidPlacedMsg struct {
	ItemID    int64 `json:"itemId"`
	BidAmount int64 `json:"bidAmount"`
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// RawMessage is an inbound frame handed to the reconciliation engine.
type RawMessage struct {
	Data       []byte    // Raw frame bytes, envelope included
	ReceivedAt time.Time // Manager clock time the frame was read
	Epoch      uint64    // Connection epoch the frame arrived on
}

// Status is the connection lifecycle state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// State is a snapshot of the manager's connection state.
type State struct {
	Status        Status
	AutoReconnect bool
	ParticipantID string // Assigned by the server, "" unless connected
	Attempt       int    // Current reconnect attempt, 0 when not reconnecting
}

// Connected reports whether the channel is usable.
func (s State) Connected() bool {
	return s.Status == StatusConnected
}

// SignalKind identifies a lifecycle signal.
type SignalKind string

const (
	SignalConnecting       SignalKind = "connecting"
	SignalConnected        SignalKind = "connect"
	SignalDisconnected     SignalKind = "disconnect"
	SignalReconnectAttempt SignalKind = "reconnect-attempt"
	SignalReconnected      SignalKind = "reconnect"
	SignalReconnectFailed  SignalKind = "reconnect-failed"
	SignalAlreadyConnected SignalKind = "already-connected"
)

// Signal is a lifecycle transition emitted by the manager.
type Signal struct {
	Kind          SignalKind
	Status        Status    // Status after the transition
	ParticipantID string    // connect, reconnect
	ServerTime    time.Time // Server clock from the handshake, zero if absent
	Reason        string    // disconnect
	Manual        bool      // disconnect requested by the user
	Attempt       int       // reconnect-attempt, reconnect, reconnect-failed
	At            time.Time // Local time of the transition
}

// Inbound is one item of the manager's ordered output: exactly one of
// Signal or Frame is set.
type Inbound struct {
	Signal *Signal
	Frame  *RawMessage
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g., ws://localhost:5000/ws)
	Token            string        // Optional bearer token sent on the upgrade request
	HandshakeTimeout time.Duration // WebSocket upgrade timeout
	PingInterval     time.Duration // How often to send keepalive pings
	PingTimeout      time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration // Write deadline for sends
	BufferSize       int           // Inbound frames held before the channel fails
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 20 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
		BufferSize:       1000,
	}
}

// withDefaults fills zero fields from DefaultClientConfig.
func (c ClientConfig) withDefaults() ClientConfig {
	d := DefaultClientConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	return c
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	Client            ClientConfig  // Transport settings for every dial
	ConnectTimeout    time.Duration // Dial plus CONNECTED handshake
	ReconnectAttempts int           // Attempts before giving up (Failed)
	ReconnectDelay    time.Duration // Fixed wait before each attempt
	AutoReconnect     bool          // Initial auto-reconnect policy
	QueueSize         int           // Initial capacity of the ordered output queue
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client:            DefaultClientConfig(),
		ConnectTimeout:    20 * time.Second,
		ReconnectAttempts: 10,
		ReconnectDelay:    1 * time.Second,
		AutoReconnect:     true,
		QueueSize:         256,
	}
}
