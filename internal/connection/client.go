package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// maxFrameBytes bounds one inbound frame. INITIAL_DATA is the largest.
const maxFrameBytes = 1 << 20

// Client is one WebSocket channel to the auction server. A Client is dialed
// at most once; the manager builds a new one for every attempt.
type Client interface {
	// Connect dials the server and starts reading frames.
	Connect(ctx context.Context) error

	// Close sends a close frame and releases the socket. Safe to call twice.
	Close() error

	// Send writes one encoded frame.
	Send(data []byte) error

	// Messages returns inbound text frames in arrival order.
	Messages() <-chan TimestampedMessage

	// Errors delivers at most one error: the reason the channel died.
	Errors() <-chan error

	// IsConnected reports whether the socket is open and readable.
	IsConnected() bool
}

// ClientFactory builds a fresh Client for each dial.
type ClientFactory func(cfg ClientConfig, logger *slog.Logger) Client

type wsClient struct {
	cfg    ClientConfig
	logger *slog.Logger

	frames   chan TimestampedMessage
	errs     chan error
	stop     chan struct{}
	failOnce sync.Once

	stateMu sync.Mutex
	conn    *websocket.Conn
	closed  bool

	writeMu  sync.Mutex // Serializes data frames; control frames are safe concurrently
	up       atomic.Bool
	lastSeen atomic.Int64 // UnixNano of the last inbound frame, ping or pong
}

// NewClient creates a gorilla/websocket client. Zero config fields take
// their DefaultClientConfig values.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	return &wsClient{
		cfg:    cfg,
		logger: logger,
		frames: make(chan TimestampedMessage, cfg.BufferSize),
		errs:   make(chan error, 1),
		stop:   make(chan struct{}),
	}
}

func (c *wsClient) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrAlreadyClosed
	}

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	conn.SetReadLimit(maxFrameBytes)
	conn.SetPingHandler(func(data string) error {
		c.touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	c.conn = conn
	c.stateMu.Unlock()

	c.touch()
	c.up.Store(true)

	go c.readLoop(conn)
	go c.keepalive(conn)

	c.logger.Debug("channel open", "url", c.cfg.URL)
	return nil
}

func (c *wsClient) Close() error {
	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.stateMu.Unlock()

	c.up.Store(false)
	close(c.stop)
	if conn == nil {
		return nil
	}

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return conn.Close()
}

func (c *wsClient) Send(data []byte) error {
	if !c.up.Load() {
		return ErrNotConnected
	}
	c.stateMu.Lock()
	conn := c.conn
	c.stateMu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) Messages() <-chan TimestampedMessage {
	return c.frames
}

func (c *wsClient) Errors() <-chan error {
	return c.errs
}

func (c *wsClient) IsConnected() bool {
	return c.up.Load()
}

func (c *wsClient) readLoop(conn *websocket.Conn) {
	defer c.up.Store(false)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		at := time.Now()
		c.touch()

		if kind != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", "type", kind, "bytes", len(data))
			continue
		}

		select {
		case c.frames <- TimestampedMessage{Data: data, ReceivedAt: at}:
		case <-c.stop:
			return
		default:
			// A dropped frame can only be repaired by a snapshot reload, so
			// the channel fails and the manager reconnects.
			c.logger.Warn("frame buffer full, failing channel", "buffered", len(c.frames))
			c.fail(ErrFrameBufferFull)
			conn.Close()
			return
		}
	}
}

// keepalive pings the server and fails the channel once nothing has been
// heard from it for PingTimeout.
func (c *wsClient) keepalive(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		if idle := time.Since(time.Unix(0, c.lastSeen.Load())); idle > c.cfg.PingTimeout {
			c.logger.Warn("channel stale", "idle", idle, "timeout", c.cfg.PingTimeout)
			c.fail(ErrStaleConnection)
			conn.Close()
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			c.logger.Debug("keepalive ping failed", "error", err)
		}
	}
}

// fail reports the first terminal error unless Close was called.
func (c *wsClient) fail(err error) {
	c.up.Store(false)
	select {
	case <-c.stop:
		return
	default:
	}
	c.failOnce.Do(func() {
		c.errs <- err
	})
}

func (c *wsClient) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *wsClient) isClosed() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.closed
}
