// Package bidding implements the Bid Submission Guard.
//
// The guard is the only path from the user to a BID_PLACED frame. It refuses
// bids while disconnected, on unknown or finished listings, at any amount
// other than the next increment, and a second bid on the same listing within
// the cool-down. It never changes listing state: the bid only shows up once
// the server's UPDATE_BID is reconciled.
package bidding

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/rickgao/auction-sync/internal/connection"
	"github.com/rickgao/auction-sync/internal/countdown"
	"github.com/rickgao/auction-sync/internal/model"
)

// Defaults
const (
	DefaultIncrement int64 = 10
	DefaultCooldown        = 1 * time.Second
)

// Notification messages.
const (
	MsgNotConnected  = "Not connected to server"
	MsgCoolingDown   = "Please wait before bidding again"
	MsgUnknown       = "Auction item not found"
	MsgAuctionEnded  = "This auction has ended"
	msgInvalidAmount = "Bid must be %s"
	MsgSendFailed    = "Failed to place bid"
)

// Errors
var (
	ErrNotConnected   = errors.New("not connected")
	ErrCoolingDown    = errors.New("cooling down")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrAuctionEnded   = errors.New("auction ended")
	ErrUnknownListing = errors.New("unknown listing")
)

// PolicyViolation is a bid refused before anything was sent.
type PolicyViolation struct {
	ListingID int64
	Amount    int64
	Reason    error
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("bid %d on listing %d rejected: %v", e.Amount, e.ListingID, e.Reason)
}

func (e *PolicyViolation) Unwrap() error {
	return e.Reason
}

// Channel is the outbound side of the connection.
type Channel interface {
	State() connection.State
	PlaceBid(listingID, amount int64) error
}

// ListingSource looks up the reconciled state of a listing.
type ListingSource interface {
	Listing(id int64) (model.Listing, bool)
}

// ServerClock returns the current time in the server's clock domain.
type ServerClock interface {
	Now() time.Time
}

// Notifier publishes user-facing notifications.
type Notifier interface {
	NotifyListing(kind model.NotificationKind, listingID int64, msg string) model.Notification
	Amount(v int64) string
}

// Config holds guard settings.
type Config struct {
	Increment int64         // Required step over the current bid
	Cooldown  time.Duration // Minimum time between sends per listing
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Increment: DefaultIncrement,
		Cooldown:  DefaultCooldown,
	}
}

// Guard validates and sends bids.
type Guard struct {
	cfg      Config
	channel  Channel
	listings ListingSource
	server   ServerClock
	notifier Notifier
	clock    clockwork.Clock
	logger   *slog.Logger

	mu   sync.Mutex
	sent map[int64]time.Time // Listing ID → local time of the last send
}

// NewGuard creates a Guard. A nil clock means the real clock.
func NewGuard(cfg Config, channel Channel, listings ListingSource, server ServerClock, notifier Notifier, clock clockwork.Clock, logger *slog.Logger) *Guard {
	if cfg.Increment <= 0 {
		cfg.Increment = DefaultIncrement
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Guard{
		cfg:      cfg,
		channel:  channel,
		listings: listings,
		server:   server,
		notifier: notifier,
		clock:    clock,
		logger:   logger,
		sent:     make(map[int64]time.Time),
	}
}

// NextBid returns the only amount SubmitBid accepts for the listing.
func (g *Guard) NextBid(listingID int64) (int64, bool) {
	l, ok := g.listings.Listing(listingID)
	if !ok {
		return 0, false
	}
	return l.CurrentBid + g.cfg.Increment, true
}

// SubmitBid sends a bid if every policy check passes. Refusals return a
// *PolicyViolation and publish a notification; nothing is sent for them.
func (g *Guard) SubmitBid(listingID, amount int64) error {
	if !g.channel.State().Connected() {
		return g.refuse(listingID, amount, ErrNotConnected, model.KindError, MsgNotConnected)
	}

	l, ok := g.listings.Listing(listingID)
	if !ok {
		return g.refuse(listingID, amount, ErrUnknownListing, model.KindError, MsgUnknown)
	}
	if !l.IsActive || countdown.Evaluate(l.EndTime, g.server.Now()).Expired {
		return g.refuse(listingID, amount, ErrAuctionEnded, model.KindError, MsgAuctionEnded)
	}
	if next := l.CurrentBid + g.cfg.Increment; amount != next {
		return g.refuse(listingID, amount, ErrInvalidAmount, model.KindError,
			fmt.Sprintf(msgInvalidAmount, g.amount(next)))
	}

	// Cool-down starts at send time and ignores the server's response.
	now := g.clock.Now()
	g.mu.Lock()
	if last, ok := g.sent[listingID]; ok && now.Sub(last) < g.cfg.Cooldown {
		g.mu.Unlock()
		return g.refuse(listingID, amount, ErrCoolingDown, model.KindWarning, MsgCoolingDown)
	}
	g.sent[listingID] = now
	g.pruneLocked(now)
	g.mu.Unlock()

	if err := g.channel.PlaceBid(listingID, amount); err != nil {
		g.logger.Warn("bid send failed", "item_id", listingID, "amount", amount, "error", err)
		g.notify(listingID, model.KindError, MsgSendFailed)
		return fmt.Errorf("place bid: %w", err)
	}

	g.logger.Info("bid sent", "item_id", listingID, "amount", amount)
	return nil
}

// CoolingDown reports whether a bid on the listing would be refused for the cool-down.
func (g *Guard) CoolingDown(listingID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	last, ok := g.sent[listingID]
	return ok && g.clock.Since(last) < g.cfg.Cooldown
}

// Forget drops cool-down entries for listings that no longer exist.
func (g *Guard) Forget(ids ...int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range ids {
		delete(g.sent, id)
	}
}

// Retain drops cool-down entries for every listing not in keep.
func (g *Guard) Retain(keep map[int64]struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id := range g.sent {
		if _, ok := keep[id]; !ok {
			delete(g.sent, id)
		}
	}
}

// pruneLocked drops entries whose cool-down has passed.
func (g *Guard) pruneLocked(now time.Time) {
	for id, last := range g.sent {
		if now.Sub(last) >= g.cfg.Cooldown {
			delete(g.sent, id)
		}
	}
}

func (g *Guard) refuse(listingID, amount int64, reason error, kind model.NotificationKind, msg string) error {
	g.logger.Debug("bid refused", "item_id", listingID, "amount", amount, "reason", reason)
	g.notify(listingID, kind, msg)
	return &PolicyViolation{ListingID: listingID, Amount: amount, Reason: reason}
}

func (g *Guard) notify(listingID int64, kind model.NotificationKind, msg string) {
	if g.notifier != nil {
		g.notifier.NotifyListing(kind, listingID, msg)
	}
}

func (g *Guard) amount(v int64) string {
	if g.notifier == nil {
		return fmt.Sprintf("$%d", v)
	}
	return g.notifier.Amount(v)
}
