package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/auction-sync/internal/api"
	"github.com/rickgao/auction-sync/internal/bidding"
	"github.com/rickgao/auction-sync/internal/connection"
	"github.com/rickgao/auction-sync/internal/countdown"
	"github.com/rickgao/auction-sync/internal/model"
	"github.com/rickgao/auction-sync/internal/notify"
	"github.com/rickgao/auction-sync/internal/queue"
	"github.com/rickgao/auction-sync/internal/reconcile"
	"github.com/rickgao/auction-sync/internal/timesync"
)

// Notification messages.
const (
	MsgConnected        = "Connected to auction server"
	MsgReconnected      = "Reconnected to server!"
	MsgDisconnected     = "Disconnected from server"
	MsgReconnecting     = "Reconnecting to server..."
	MsgStoppedRetrying  = "Stopped reconnecting"
	MsgReconnectFailed  = "Could not reconnect to server"
	MsgAlreadyConnected = "Already connected"
	MsgAutoOn           = "Auto-reconnect enabled"
	MsgAutoOff          = "Auto-reconnect disabled"
	MsgSnapshotFailed   = "Failed to load auction items"
)

// Errors
var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrClosed         = errors.New("session closed")
)

// SnapshotLoadError is a failed listing snapshot load. The engine stays
// degraded, with an empty collection, until a later load succeeds.
type SnapshotLoadError struct {
	Err error
}

func (e *SnapshotLoadError) Error() string {
	return fmt.Sprintf("load snapshot: %v", e.Err)
}

func (e *SnapshotLoadError) Unwrap() error {
	return e.Err
}

// SnapshotSource fetches the listing snapshot.
type SnapshotSource interface {
	GetItems(ctx context.Context) (*api.Snapshot, error)
}

// Tick is one countdown evaluation for a watched listing.
type Tick struct {
	ListingID int64
	Status    countdown.Status
}

// Stats contains runtime statistics.
type Stats struct {
	Engine reconcile.Stats
	Queue  queue.Stats
	Offset time.Duration
	Synced bool
}

// Session runs the sync engine for one participant.
type Session struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	rest       *api.Client
	source     SnapshotSource
	conn       *connection.Manager
	sync       *timesync.Synchronizer
	engine     *reconcile.Engine
	guard      *bidding.Guard
	notifier   *notify.Notifier
	countdowns *countdown.Scheduler
	signals    *notify.Feed[connection.Signal]
	ticks      *notify.Feed[Tick]

	loads         singleflight.Group
	needsSnapshot atomic.Bool
	lastStatus    connection.Status // Reactor goroutine only

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// Option configures a Session.
type Option func(*options)

type options struct {
	clock         clockwork.Clock
	logger        *slog.Logger
	source        SnapshotSource
	clientFactory connection.ClientFactory
}

// WithClock sets the clock for every timer in the session.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithSnapshotSource replaces the REST client as the snapshot source.
func WithSnapshotSource(src SnapshotSource) Option {
	return func(o *options) {
		o.source = src
	}
}

// WithClientFactory replaces the WebSocket transport constructor.
func WithClientFactory(f connection.ClientFactory) Option {
	return func(o *options) {
		o.clientFactory = f
	}
}

// New builds every component of a session. Nothing connects until Start.
func New(cfg Config, opts ...Option) *Session {
	o := options{
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		cfg:     cfg,
		clock:   o.clock,
		logger:  o.logger,
		signals: notify.NewFeed[connection.Signal](),
		ticks:   notify.NewFeed[Tick](),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.rest = api.NewClient(cfg.RestURL, cfg.Token,
		api.WithTimeout(cfg.APITimeout),
		api.WithRetries(cfg.APIRetries, time.Second),
		api.WithLogger(o.logger.With("component", "api")),
	)
	s.source = s.rest
	if o.source != nil {
		s.source = o.source
	}

	connOpts := []connection.ManagerOption{
		connection.WithClock(o.clock),
		connection.WithLogger(o.logger.With("component", "connection")),
	}
	if o.clientFactory != nil {
		connOpts = append(connOpts, connection.WithClientFactory(o.clientFactory))
	}
	s.conn = connection.NewManager(cfg.Channel, connOpts...)

	s.notifier = notify.NewNotifier(
		notify.WithClock(o.clock),
		notify.WithLifetime(cfg.NotificationLifetime),
		notify.WithLogger(o.logger.With("component", "notify")),
	)
	s.sync = timesync.New(cfg.Sync, s.conn, o.clock, o.logger.With("component", "timesync"))
	s.engine = reconcile.NewEngine(s.sync, s.notifier, o.logger.With("component", "reconcile"))
	s.guard = bidding.NewGuard(cfg.Bidding, s.conn, s.engine, s.sync, s.notifier, o.clock,
		o.logger.With("component", "bidding"))
	s.countdowns = countdown.NewScheduler(cfg.TickInterval, s.sync.Now, o.clock,
		o.logger.With("component", "countdown"))

	return s
}

// Start loads the listing snapshot, starts the reactor and opens the channel.
// A failed snapshot load leaves the session degraded but running. A failed
// connect is returned; with auto-reconnect on the manager keeps retrying.
func (s *Session) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.wg.Add(1)
	go s.reactor()

	if err := s.loadSnapshot(ctx); err != nil {
		s.logger.Warn("initial snapshot failed", "error", err)
	}

	if err := s.conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Close disconnects and stops every goroutine and timer.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.cancel()
	s.conn.Close() // Closes the queue, which ends the reactor
	s.wg.Wait()

	s.sync.Close()
	s.countdowns.Close()
	s.notifier.Close()
	s.signals.Close()
	s.ticks.Close()

	s.logger.Info("session closed")
	return nil
}

// Connect opens the channel, replacing any existing one.
func (s *Session) Connect(ctx context.Context) error {
	return s.conn.Connect(ctx)
}

// Disconnect closes the channel. Auto-reconnect does not apply.
func (s *Session) Disconnect() {
	s.conn.Disconnect()
}

// Reconnect opens the channel unless it is already connected.
func (s *Session) Reconnect(ctx context.Context) error {
	if !s.conn.State().Connected() {
		s.notifier.Notify(model.KindInfo, MsgReconnecting)
	}
	return s.conn.Reconnect(ctx)
}

// SetAutoReconnect changes the reconnect policy.
func (s *Session) SetAutoReconnect(enabled bool) {
	s.conn.SetAutoReconnect(enabled)
	if enabled {
		s.notifier.Notify(model.KindInfo, MsgAutoOn)
	} else {
		s.notifier.Notify(model.KindInfo, MsgAutoOff)
	}
}

// State returns the connection state.
func (s *Session) State() connection.State {
	return s.conn.State()
}

// PlaceBid submits a bid through the guard.
func (s *Session) PlaceBid(listingID, amount int64) error {
	return s.guard.SubmitBid(listingID, amount)
}

// PlaceNextBid submits the next valid bid for the listing and returns its amount.
func (s *Session) PlaceNextBid(listingID int64) (int64, error) {
	amount, ok := s.guard.NextBid(listingID)
	if !ok {
		// The guard reports the unknown listing.
		return 0, s.guard.SubmitBid(listingID, 0)
	}
	return amount, s.guard.SubmitBid(listingID, amount)
}

// NextBid returns the next valid bid amount for the listing.
func (s *Session) NextBid(listingID int64) (int64, bool) {
	return s.guard.NextBid(listingID)
}

// CoolingDown reports whether the listing's bid button is locked.
func (s *Session) CoolingDown(listingID int64) bool {
	return s.guard.CoolingDown(listingID)
}

// Listings returns copies of every listing sorted by ID.
func (s *Session) Listings() []model.Listing {
	return s.engine.Listings()
}

// Listing returns a copy of one listing.
func (s *Session) Listing(id int64) (model.Listing, bool) {
	return s.engine.Listing(id)
}

// Countdown evaluates a listing's countdown against server time.
func (s *Session) Countdown(id int64) (countdown.Status, bool) {
	l, ok := s.engine.Listing(id)
	if !ok {
		return countdown.Status{}, false
	}
	return countdown.Evaluate(l.EndTime, s.sync.Now()), true
}

// Standing returns the local participant's position on a listing.
func (s *Session) Standing(id int64) (model.Standing, bool) {
	l, ok := s.engine.Listing(id)
	if !ok {
		return model.StandingNone, false
	}
	expired := countdown.Evaluate(l.EndTime, s.sync.Now()).Expired
	return l.Standing(s.engine.Participant(), expired), true
}

// Degraded reports whether the last snapshot load failed.
func (s *Session) Degraded() bool {
	return s.engine.Degraded()
}

// ServerNow returns the current time in the server's clock domain.
func (s *Session) ServerNow() time.Time {
	return s.sync.Now()
}

// Amount formats a currency amount for display.
func (s *Session) Amount(v int64) string {
	return s.notifier.Amount(v)
}

// Reload fetches the listing snapshot now. Frames applied while the request
// is in flight may be overwritten by the older snapshot; reloads triggered by
// reconnection do not have this problem.
func (s *Session) Reload(ctx context.Context) error {
	return s.loadSnapshot(ctx)
}

// ResetItem asks the server to restart an auction and installs the restarted
// listing. Without a listing in the reply the whole snapshot is reloaded.
func (s *Session) ResetItem(ctx context.Context, id int64) error {
	resp, err := s.rest.ResetItem(ctx, id)
	if err != nil {
		s.notifier.NotifyListing(model.KindError, id, "Failed to reset auction")
		return err
	}

	if resp.Data != nil && resp.Data.ID == id {
		l := resp.Data.Listing()
		if s.engine.Restart(l) && l.IsActive {
			s.countdowns.Watch(l.ID, l.EndTime, s.onTick)
		}
	} else if err := s.loadSnapshot(ctx); err != nil {
		return err
	}

	msg := resp.Message
	if msg == "" {
		msg = "Auction reset"
	}
	s.notifier.NotifyListing(model.KindInfo, id, msg)
	return nil
}

// Health checks the server's REST endpoint.
func (s *Session) Health(ctx context.Context) (*api.HealthResponse, error) {
	return s.rest.Health(ctx)
}

// SubscribeNotifications returns a subscription to user-facing notifications.
func (s *Session) SubscribeNotifications(buffer int) *notify.Subscription[model.Notification] {
	if buffer <= 0 {
		buffer = s.cfg.NotificationBuffer
	}
	return s.notifier.Subscribe(buffer)
}

// SubscribeSignals returns a subscription to connection lifecycle signals.
func (s *Session) SubscribeSignals(buffer int) *notify.Subscription[connection.Signal] {
	return s.signals.Subscribe(buffer)
}

// SubscribeTicks returns a subscription to countdown ticks of active listings.
func (s *Session) SubscribeTicks(buffer int) *notify.Subscription[Tick] {
	return s.ticks.Subscribe(buffer)
}

// Stats returns current statistics.
func (s *Session) Stats() Stats {
	return Stats{
		Engine: s.engine.Stats(),
		Queue:  s.conn.Events().Stats(),
		Offset: s.sync.Offset(),
		Synced: s.sync.Synced(),
	}
}

// loadSnapshot fetches and applies the listing snapshot. Concurrent calls
// share one request.
func (s *Session) loadSnapshot(ctx context.Context) error {
	_, err, shared := s.loads.Do("snapshot", func() (any, error) {
		snap, err := s.source.GetItems(ctx)
		receivedAt := s.clock.Now()
		if err != nil {
			lerr := &SnapshotLoadError{Err: err}
			s.engine.MarkDegraded(lerr)
			s.notifier.Notify(model.KindError, MsgSnapshotFailed)
			return nil, lerr
		}

		s.engine.ReplaceSnapshot(snap.Listings, model.FromMillis(snap.ServerTime), receivedAt)
		s.needsSnapshot.Store(false)
		s.afterSnapshot()
		return nil, nil
	})
	if shared {
		s.logger.Debug("snapshot load shared")
	}
	return err
}

// afterSnapshot re-binds countdowns and cool-downs to the new collection.
func (s *Session) afterSnapshot() {
	ids := s.engine.IDs()
	s.guard.Retain(ids)

	active := make(map[int64]struct{}, len(ids))
	for _, l := range s.engine.Listings() {
		if !l.IsActive {
			continue
		}
		if s.countdowns.Watch(l.ID, l.EndTime, s.onTick) {
			active[l.ID] = struct{}{}
		}
	}
	s.countdowns.Retain(active)
}

func (s *Session) onTick(listingID int64, st countdown.Status) {
	s.ticks.Publish(Tick{ListingID: listingID, Status: st})
}
