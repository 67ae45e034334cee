package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/auction-sync/internal/model"
	"github.com/rickgao/auction-sync/internal/queue"
)

// Manager owns the single channel to the auction server and its lifecycle.
//
// Every transition and every inbound frame is pushed onto one ordered queue
// (Events). Pushing never blocks, so the manager can emit while holding its
// lock and a signal always precedes the frames of the connection it announces.
type Manager struct {
	cfg       ManagerConfig
	clock     clockwork.Clock
	logger    *slog.Logger
	newClient ClientFactory
	events    *queue.Queue[Inbound]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	status        Status
	autoReconnect bool
	participantID string
	attempt       int
	client        Client
	connDone      chan struct{} // Closed when the current client is abandoned
	retryCancel   context.CancelFunc
	epoch         uint64 // Bumped whenever the current connection or retry loop is abandoned
	closed        bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the clock used for reconnect delays.
func WithClock(c clockwork.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithClientFactory replaces the transport constructor.
func WithClientFactory(f ClientFactory) ManagerOption {
	return func(m *Manager) {
		m.newClient = f
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Connection Manager in the Disconnected state.
func NewManager(cfg ManagerConfig, opts ...ManagerOption) *Manager {
	defaults := DefaultManagerConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.ReconnectAttempts < 0 {
		cfg.ReconnectAttempts = 0
	}
	if cfg.ReconnectDelay < 0 {
		cfg.ReconnectDelay = 0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:           cfg,
		clock:         clockwork.NewRealClock(),
		logger:        slog.Default(),
		newClient:     NewClient,
		events:        queue.New[Inbound](cfg.QueueSize),
		ctx:           ctx,
		cancel:        cancel,
		autoReconnect: cfg.AutoReconnect,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events returns the ordered queue of lifecycle signals and inbound frames.
// It is closed by Close.
func (m *Manager) Events() *queue.Queue[Inbound] {
	return m.events
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return State{
		Status:        m.status,
		AutoReconnect: m.autoReconnect,
		ParticipantID: m.participantID,
		Attempt:       m.attempt,
	}
}

// Connect tears down any existing channel or retry loop and opens a new one.
// It returns once the server's CONNECTED frame arrives or the attempt fails.
// On failure with auto-reconnect enabled the manager keeps retrying in the
// background and the error is still returned.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.teardownLocked()
	epoch := m.epoch
	m.status = StatusConnecting
	m.emitLocked(Signal{Kind: SignalConnecting})
	m.mu.Unlock()

	m.logger.Info("connecting", "url", m.cfg.Client.URL)

	c, hello, pending, err := m.dial(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch || m.closed {
		if c != nil {
			c.Close()
		}
		return ErrSuperseded
	}

	if err != nil {
		m.logger.Warn("connect failed", "error", err)
		if m.autoReconnect && m.cfg.ReconnectAttempts > 0 {
			m.status = StatusReconnecting
			m.emitLocked(Signal{Kind: SignalDisconnected, Reason: err.Error()})
			m.startRetryLocked()
		} else {
			m.status = StatusDisconnected
			m.emitLocked(Signal{Kind: SignalDisconnected, Reason: err.Error()})
		}
		return &TransportError{Op: "connect", Err: err}
	}

	m.installLocked(c, hello, pending, SignalConnected, 0)
	return nil
}

// Disconnect closes the channel and cancels any pending retry. A manual
// disconnect never triggers automatic reconnection.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	prev := m.status
	m.teardownLocked()
	m.status = StatusDisconnected
	if prev != StatusDisconnected {
		m.emitLocked(Signal{Kind: SignalDisconnected, Reason: "client disconnect", Manual: true})
		m.logger.Info("disconnected", "manual", true)
	}
}

// Reconnect is a no-op that emits SignalAlreadyConnected while connected;
// otherwise it behaves like Connect.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusConnected {
		m.emitLocked(Signal{Kind: SignalAlreadyConnected, ParticipantID: m.participantID})
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	return m.Connect(ctx)
}

// SetAutoReconnect changes the retry policy. It takes effect at the next
// transport drop or, during a retry loop, before the next attempt: disabling
// it then ends the loop in Disconnected.
func (m *Manager) SetAutoReconnect(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.autoReconnect == enabled {
		return
	}
	m.autoReconnect = enabled
	m.logger.Info("auto-reconnect changed", "enabled", enabled)
}

// Send writes one frame. It fails with ErrNotConnected unless the channel is
// in the Connected state.
func (m *Manager) Send(event string, payload any) error {
	data, err := EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.status != StatusConnected || m.client == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	c := m.client
	m.mu.Unlock()

	if err := c.Send(data); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// PlaceBid sends a BID_PLACED frame.
func (m *Manager) PlaceBid(listingID, amount int64) error {
	return m.Send(FrameBidPlaced, BidPlacedMsg{ItemID: listingID, BidAmount: amount})
}

// RequestSync asks the server for a TIME_SYNC frame.
func (m *Manager) RequestSync() error {
	return m.Send(FrameRequestSync, nil)
}

// Close disconnects, stops background goroutines and closes the event queue.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.teardownLocked()
	m.status = StatusDisconnected
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.events.Close()
	return nil
}

// dial opens a transport and waits for the CONNECTED handshake. Frames that
// arrive before the handshake are returned so they can be replayed in order.
func (m *Manager) dial(ctx context.Context) (Client, HelloMsg, []TimestampedMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	c := m.newClient(m.cfg.Client, m.logger)
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, HelloMsg{}, nil, err
	}

	var pending []TimestampedMessage
	for {
		select {
		case <-ctx.Done():
			c.Close()
			return nil, HelloMsg{}, nil, fmt.Errorf("%w: %w", ErrHandshakeTimeout, ctx.Err())

		case err := <-c.Errors():
			c.Close()
			return nil, HelloMsg{}, nil, err

		case msg := <-c.Messages():
			msg.ReceivedAt = m.clock.Now()
			var env Envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil || env.Event != FrameConnected {
				pending = append(pending, msg)
				continue
			}
			var hello HelloMsg
			if len(env.Data) > 0 {
				if err := json.Unmarshal(env.Data, &hello); err != nil {
					c.Close()
					return nil, HelloMsg{}, nil, fmt.Errorf("decode %s: %w", FrameConnected, err)
				}
			}
			return c, hello, pending, nil
		}
	}
}

// installLocked makes c the current channel, announces it and starts
// forwarding its frames.
func (m *Manager) installLocked(c Client, hello HelloMsg, pending []TimestampedMessage, kind SignalKind, attempt int) {
	done := make(chan struct{})
	m.client = c
	m.connDone = done
	m.participantID = hello.ParticipantID
	m.status = StatusConnected
	m.attempt = 0
	if m.retryCancel != nil {
		m.retryCancel()
		m.retryCancel = nil
	}

	m.emitLocked(Signal{
		Kind:          kind,
		ParticipantID: hello.ParticipantID,
		ServerTime:    model.FromMillis(hello.ServerTime),
		Attempt:       attempt,
	})
	for _, msg := range pending {
		m.pushFrameLocked(msg)
	}

	m.logger.Info("connected",
		"participant_id", hello.ParticipantID,
		"attempt", attempt,
	)

	m.wg.Add(1)
	go m.readLoop(c, m.epoch, done)
}

// teardownLocked abandons the current channel and any retry loop.
func (m *Manager) teardownLocked() {
	if m.retryCancel != nil {
		m.retryCancel()
		m.retryCancel = nil
	}
	if m.client != nil {
		close(m.connDone)
		m.client.Close()
		m.client = nil
		m.connDone = nil
	}
	m.participantID = ""
	m.attempt = 0
	m.epoch++
}

func (m *Manager) emitLocked(sig Signal) {
	sig.Status = m.status
	sig.At = m.clock.Now()
	m.events.Push(Inbound{Signal: &sig})
}

func (m *Manager) pushFrameLocked(msg TimestampedMessage) {
	m.events.Push(Inbound{Frame: &RawMessage{
		Data:       msg.Data,
		ReceivedAt: msg.ReceivedAt,
		Epoch:      m.epoch,
	}})
}

// readLoop forwards frames from one channel until it fails or is abandoned.
func (m *Manager) readLoop(c Client, epoch uint64, done <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-done:
			return

		case err := <-c.Errors():
			m.handleDrop(epoch, err)
			return

		case msg := <-c.Messages():
			msg.ReceivedAt = m.clock.Now()
			m.mu.Lock()
			if epoch != m.epoch {
				m.mu.Unlock()
				return
			}
			m.pushFrameLocked(msg)
			m.mu.Unlock()
		}
	}
}

// handleDrop reacts to a transport failure of the current channel.
func (m *Manager) handleDrop(epoch uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch || m.closed {
		return
	}

	m.drainLocked(m.client)
	m.logger.Warn("connection lost", "error", err, "auto_reconnect", m.autoReconnect)
	m.teardownLocked()

	if m.autoReconnect && m.cfg.ReconnectAttempts > 0 {
		m.status = StatusReconnecting
		m.emitLocked(Signal{Kind: SignalDisconnected, Reason: err.Error()})
		m.startRetryLocked()
		return
	}

	m.status = StatusDisconnected
	m.emitLocked(Signal{Kind: SignalDisconnected, Reason: err.Error()})
}

// drainLocked forwards frames the client read before it failed.
func (m *Manager) drainLocked(c Client) {
	if c == nil {
		return
	}
	for {
		select {
		case msg := <-c.Messages():
			msg.ReceivedAt = m.clock.Now()
			m.pushFrameLocked(msg)
		default:
			return
		}
	}
}

// startRetryLocked enters Reconnecting and launches the retry loop for the
// current epoch.
func (m *Manager) startRetryLocked() {
	ctx, cancel := context.WithCancel(m.ctx)
	m.retryCancel = cancel
	m.status = StatusReconnecting
	m.attempt = 0

	m.wg.Add(1)
	go m.retryLoop(ctx, m.epoch)
}

// retryLoop waits the fixed delay before each attempt and gives up after the
// configured number of attempts. The policy is rechecked before every attempt.
func (m *Manager) retryLoop(ctx context.Context, epoch uint64) {
	defer m.wg.Done()

	attempts := m.cfg.ReconnectAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(m.cfg.ReconnectDelay):
		}

		m.mu.Lock()
		if epoch != m.epoch {
			m.mu.Unlock()
			return
		}
		if !m.autoReconnect {
			m.retryCancel = nil
			m.attempt = 0
			m.status = StatusDisconnected
			m.emitLocked(Signal{Kind: SignalDisconnected, Reason: "auto-reconnect disabled"})
			m.mu.Unlock()
			return
		}
		m.attempt = attempt
		m.emitLocked(Signal{Kind: SignalReconnectAttempt, Attempt: attempt})
		m.mu.Unlock()

		m.logger.Info("attempting reconnection", "attempt", attempt, "max_attempts", attempts)

		c, hello, pending, err := m.dial(ctx)

		m.mu.Lock()
		if epoch != m.epoch {
			m.mu.Unlock()
			if c != nil {
				c.Close()
			}
			return
		}
		if err == nil {
			m.installLocked(c, hello, pending, SignalReconnected, attempt)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		m.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch {
		return
	}
	m.retryCancel = nil
	m.status = StatusFailed
	m.emitLocked(Signal{Kind: SignalReconnectFailed, Attempt: attempts})
	m.logger.Error("reconnection gave up", "attempts", attempts)
}
