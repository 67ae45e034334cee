package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/auction-sync/internal/connection"
	"github.com/rickgao/auction-sync/internal/model"
)

// Notification messages.
const (
	MsgBidPlaced     = "Your bid has been placed!"
	MsgBidRejected   = "Bid rejected"
	msgOutbidPattern = "You've been outbid on an item! New bid: %s"
)

// ClockSync receives server time baselines.
type ClockSync interface {
	Apply(serverTime time.Time) time.Duration
	ApplyAt(serverTime, local time.Time) time.Duration
}

// Notifier publishes user-facing notifications.
type Notifier interface {
	Notify(kind model.NotificationKind, msg string) model.Notification
	NotifyListing(kind model.NotificationKind, listingID int64, msg string) model.Notification
	Amount(v int64) string
}

// Engine owns the listing collection. All methods are safe for concurrent
// use; frames are expected from a single goroutine so they apply in order.
type Engine struct {
	clock    ClockSync
	notifier Notifier
	logger   *slog.Logger

	mu          sync.RWMutex
	listings    map[int64]*model.Listing
	participant string
	degraded    bool
	outbid      map[int64]int64 // Listing ID → amount of the last outbid notification
	stats       Stats
}

// NewEngine creates an engine with an empty collection.
func NewEngine(clock ClockSync, notifier Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		clock:    clock,
		notifier: notifier,
		logger:   logger,
		listings: make(map[int64]*model.Listing),
		outbid:   make(map[int64]int64),
	}
}

// SetParticipant sets the local participant ID used to attribute bids.
// An empty ID means no bid is ever attributed to the local participant.
func (e *Engine) SetParticipant(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.participant = id
}

// Participant returns the local participant ID.
func (e *Engine) Participant() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.participant
}

// Apply decodes one inbound frame and folds it into the collection.
// Malformed frames return a *ProtocolError and change nothing.
func (e *Engine) Apply(raw connection.RawMessage) (Result, error) {
	e.mu.Lock()
	e.stats.FramesReceived++
	e.mu.Unlock()

	var env connection.Envelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		return Result{}, e.protocolError("", err)
	}
	if env.Event == "" {
		return Result{}, e.protocolError("", fmt.Errorf("%w: missing event name", ErrMalformed))
	}

	res := Result{Event: env.Event}
	var err error

	switch env.Event {
	case connection.FrameInitialData:
		var p InitialDataPayload
		if err = decode(env, &p); err == nil {
			err = e.applyInitialData(p, raw.ReceivedAt, &res)
		}
	case connection.FrameUpdateBid:
		var p UpdateBidPayload
		if err = decode(env, &p); err == nil {
			err = e.applyUpdateBid(p, &res)
		}
	case connection.FrameBidSuccess:
		var p BidResultPayload
		if err = decode(env, &p); err == nil {
			res.ListingID = p.ItemID
			e.logger.Debug("bid accepted", "item_id", p.ItemID, "amount", p.BidAmount)
		}
	case connection.FrameBidError:
		var p BidResultPayload
		if err = decode(env, &p); err == nil {
			res.ListingID = p.ItemID
			e.applyBidError(p)
		}
	case connection.FrameOutbid:
		var p OutbidPayload
		if err = decode(env, &p); err == nil {
			err = e.applyOutbid(p, &res)
		}
	case connection.FrameAuctionEnded:
		var p AuctionEndedPayload
		if err = decode(env, &p); err == nil {
			err = e.applyAuctionEnded(p, &res)
		}
	case connection.FrameTimeSync:
		var p TimeSyncPayload
		if err = decode(env, &p); err == nil {
			err = e.applyTimeSync(p, raw.ReceivedAt)
		}
	case connection.FrameConnected:
		// Consumed by the connection handshake; a repeat carries nothing new.
	default:
		e.mu.Lock()
		e.stats.UnknownEvents++
		e.mu.Unlock()
		e.logger.Debug("unknown event", "event", env.Event)
		return res, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event)
	}

	if err != nil {
		return Result{}, e.protocolError(env.Event, err)
	}

	e.mu.Lock()
	e.stats.FramesApplied++
	e.mu.Unlock()

	return res, nil
}

func decode(env connection.Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

func (e *Engine) protocolError(event string, err error) error {
	e.mu.Lock()
	e.stats.ParseErrors++
	e.mu.Unlock()

	perr := &ProtocolError{Event: event, Err: err}
	e.logger.Warn("dropping malformed frame", "event", event, "error", err)
	return perr
}

func (e *Engine) applyInitialData(p InitialDataPayload, receivedAt time.Time, res *Result) error {
	listings := make([]model.Listing, 0, len(p.Items))
	for i, item := range p.Items {
		if item.ID <= 0 {
			return fmt.Errorf("%w: item %d has no id", ErrMalformed, i)
		}
		listings = append(listings, item.Listing())
	}

	e.ReplaceSnapshot(listings, model.FromMillis(p.ServerTime), receivedAt)
	res.Snapshot = true
	res.Changed = true
	return nil
}

func (e *Engine) applyUpdateBid(p UpdateBidPayload, res *Result) error {
	if p.ItemID <= 0 {
		return fmt.Errorf("%w: missing itemId", ErrMalformed)
	}
	if p.CurrentBid < 0 {
		return fmt.Errorf("%w: negative currentBid %d", ErrMalformed, p.CurrentBid)
	}
	res.ListingID = p.ItemID

	e.mu.Lock()
	l, ok := e.listings[p.ItemID]
	if !ok {
		e.stats.UnknownListings++
		e.mu.Unlock()
		e.logger.Debug("bid update for unknown listing", "item_id", p.ItemID)
		return nil
	}
	if p.Version > 0 && p.Version <= l.Version {
		e.stats.Duplicates++
		e.mu.Unlock()
		e.logger.Debug("duplicate bid update",
			"item_id", p.ItemID,
			"version", p.Version,
			"applied_version", l.Version,
		)
		return nil
	}
	if p.CurrentBid < l.CurrentBid {
		e.stats.StaleUpdates++
		e.mu.Unlock()
		e.logger.Debug("stale bid update",
			"item_id", p.ItemID,
			"bid", p.CurrentBid,
			"current_bid", l.CurrentBid,
		)
		return nil
	}

	previous := l.HighestBidder
	l.CurrentBid = p.CurrentBid
	l.HighestBidder = p.HighestBidder
	l.BidCount++
	if p.Version > 0 {
		l.Version = p.Version
	}
	participant := e.participant
	res.Changed = true

	var notifyOutbid bool
	if participant != "" && p.HighestBidder != participant && previous == participant {
		notifyOutbid = e.claimOutbidLocked(p.ItemID, p.CurrentBid)
	}
	e.mu.Unlock()

	switch {
	case participant != "" && p.HighestBidder == participant:
		e.notify(model.KindSuccess, p.ItemID, MsgBidPlaced)
	case notifyOutbid:
		e.notifyOutbid(p.ItemID, p.CurrentBid)
	}
	return nil
}

func (e *Engine) applyBidError(p BidResultPayload) {
	msg := p.Message
	if msg == "" {
		msg = MsgBidRejected
	}
	e.logger.Info("bid rejected", "item_id", p.ItemID, "reason", msg)
	e.notify(model.KindError, p.ItemID, msg)
}

func (e *Engine) applyOutbid(p OutbidPayload, res *Result) error {
	if p.ItemID <= 0 {
		return fmt.Errorf("%w: missing itemId", ErrMalformed)
	}
	res.ListingID = p.ItemID

	e.mu.Lock()
	claimed := e.claimOutbidLocked(p.ItemID, p.CurrentBid)
	if !claimed {
		e.stats.Suppressed++
	}
	e.mu.Unlock()

	if claimed {
		e.notifyOutbid(p.ItemID, p.CurrentBid)
	}
	return nil
}

// claimOutbidLocked records an outbid notification for the listing and
// amount, returning false if one was already issued.
func (e *Engine) claimOutbidLocked(listingID, amount int64) bool {
	if last, ok := e.outbid[listingID]; ok && last == amount {
		return false
	}
	e.outbid[listingID] = amount
	return true
}

func (e *Engine) applyAuctionEnded(p AuctionEndedPayload, res *Result) error {
	if p.ItemID <= 0 {
		return fmt.Errorf("%w: missing itemId", ErrMalformed)
	}
	res.ListingID = p.ItemID

	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.listings[p.ItemID]
	if !ok {
		e.stats.UnknownListings++
		return nil
	}
	if l.IsActive {
		l.IsActive = false
		res.Changed = true
		e.logger.Info("auction ended", "item_id", p.ItemID, "final_bid", l.CurrentBid)
	}
	return nil
}

func (e *Engine) applyTimeSync(p TimeSyncPayload, receivedAt time.Time) error {
	if p.ServerTime <= 0 {
		return fmt.Errorf("%w: missing serverTime", ErrMalformed)
	}
	e.applyClock(model.FromMillis(p.ServerTime), receivedAt)
	return nil
}

// applyClock measures the offset at the local time the reply arrived, or now
// when that time is unknown.
func (e *Engine) applyClock(serverTime, receivedAt time.Time) {
	switch {
	case e.clock == nil || serverTime.IsZero():
	case receivedAt.IsZero():
		e.clock.Apply(serverTime)
	default:
		e.clock.ApplyAt(serverTime, receivedAt)
	}
}

func (e *Engine) notify(kind model.NotificationKind, listingID int64, msg string) {
	if e.notifier == nil {
		return
	}
	if listingID > 0 {
		e.notifier.NotifyListing(kind, listingID, msg)
		return
	}
	e.notifier.Notify(kind, msg)
}

func (e *Engine) notifyOutbid(listingID, amount int64) {
	if e.notifier == nil {
		return
	}
	e.notifier.NotifyListing(model.KindOutbid, listingID, fmt.Sprintf(msgOutbidPattern, e.notifier.Amount(amount)))
}

// ReplaceSnapshot replaces the whole collection, clears the degraded flag
// and applies serverTime, received at local time receivedAt, as the clock
// baseline unless it is zero.
func (e *Engine) ReplaceSnapshot(listings []model.Listing, serverTime, receivedAt time.Time) {
	next := make(map[int64]*model.Listing, len(listings))
	for i := range listings {
		l := listings[i]
		next[l.ID] = &l
	}

	e.mu.Lock()
	e.listings = next
	e.degraded = false
	for id := range e.outbid {
		if _, ok := next[id]; !ok {
			delete(e.outbid, id)
		}
	}
	e.stats.Snapshots++
	e.mu.Unlock()

	e.applyClock(serverTime, receivedAt)

	e.logger.Info("listing snapshot applied", "listings", len(next))
}

// Restart installs a listing the server has just restarted, replacing the
// held copy when it is missing, ended, or has an earlier deadline. The
// version and outbid history start over. Returns false when the held copy
// was kept because it is already the restarted auction.
func (e *Engine) Restart(l model.Listing) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.listings[l.ID]; ok && cur.IsActive && !cur.EndTime.Before(l.EndTime) {
		return false
	}
	e.listings[l.ID] = &l
	delete(e.outbid, l.ID)

	e.logger.Info("auction restarted", "item_id", l.ID, "end_time", l.EndTime)
	return true
}

// MarkDegraded empties the collection after a failed snapshot load. It stays
// empty until ReplaceSnapshot or an INITIAL_DATA frame succeeds.
func (e *Engine) MarkDegraded(err error) {
	e.mu.Lock()
	e.listings = make(map[int64]*model.Listing)
	e.outbid = make(map[int64]int64)
	e.degraded = true
	e.mu.Unlock()

	e.logger.Warn("listing collection degraded", "error", err)
}

// Degraded reports whether the last snapshot load failed.
func (e *Engine) Degraded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.degraded
}

// Listing returns a copy of one listing.
func (e *Engine) Listing(id int64) (model.Listing, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	l, ok := e.listings[id]
	if !ok {
		return model.Listing{}, false
	}
	return *l, true
}

// Listings returns copies of every listing sorted by ID.
func (e *Engine) Listings() []model.Listing {
	e.mu.RLock()
	out := make([]model.Listing, 0, len(e.listings))
	for _, l := range e.listings {
		out = append(out, *l)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the set of listing IDs currently held.
func (e *Engine) IDs() map[int64]struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := make(map[int64]struct{}, len(e.listings))
	for id := range e.listings {
		ids[id] = struct{}{}
	}
	return ids
}

// Stats returns current statistics.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// IsProtocolError reports whether err is a dropped malformed frame.
func IsProtocolError(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr)
}
