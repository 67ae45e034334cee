package notify

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rickgao/auction-sync/internal/model"
)

// DefaultLifetime is how long a notification stays on screen.
const DefaultLifetime = 3 * time.Second

// Notifier builds notifications and publishes them on a feed.
type Notifier struct {
	feed     *Feed[model.Notification]
	clock    clockwork.Clock
	lifetime time.Duration
	printer  *message.Printer
	logger   *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithClock sets the clock used for CreatedAt.
func WithClock(c clockwork.Clock) Option {
	return func(n *Notifier) {
		n.clock = c
	}
}

// WithLifetime sets the display lifetime of new notifications.
func WithLifetime(d time.Duration) Option {
	return func(n *Notifier) {
		n.lifetime = d
	}
}

// WithLanguage sets the locale used to format amounts.
func WithLanguage(tag language.Tag) Option {
	return func(n *Notifier) {
		n.printer = message.NewPrinter(tag)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// NewNotifier creates a Notifier with its own feed.
func NewNotifier(opts ...Option) *Notifier {
	n := &Notifier{
		feed:     NewFeed[model.Notification](),
		clock:    clockwork.NewRealClock(),
		lifetime: DefaultLifetime,
		printer:  message.NewPrinter(language.English),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subscribe returns a subscription to every notification published from now on.
func (n *Notifier) Subscribe(buffer int) *Subscription[model.Notification] {
	return n.feed.Subscribe(buffer)
}

// Close ends all subscriptions.
func (n *Notifier) Close() {
	n.feed.Close()
}

// Notify publishes a notification and returns it.
func (n *Notifier) Notify(kind model.NotificationKind, msg string) model.Notification {
	return n.publish(kind, msg, 0)
}

// NotifyListing publishes a notification about a specific listing.
func (n *Notifier) NotifyListing(kind model.NotificationKind, listingID int64, msg string) model.Notification {
	return n.publish(kind, msg, listingID)
}

// Sprintf formats using the notifier's locale, so amounts get digit grouping.
func (n *Notifier) Sprintf(format string, args ...any) string {
	return n.printer.Sprintf(format, args...)
}

// Amount formats a currency amount for display, e.g. "$1,250".
func (n *Notifier) Amount(v int64) string {
	return n.printer.Sprintf("$%d", v)
}

func (n *Notifier) publish(kind model.NotificationKind, msg string, listingID int64) model.Notification {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	note := model.Notification{
		ID:        id,
		Kind:      kind,
		Message:   msg,
		ListingID: listingID,
		CreatedAt: n.clock.Now(),
		Lifetime:  n.lifetime,
	}

	n.logger.Debug("notification",
		"kind", kind,
		"message", msg,
		"listing_id", listingID,
	)

	n.feed.Publish(note)
	return note
}
