package model

import (
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Listings
// -----------------------------------------------------------------------------

// Listing is one auction item as seen by the local client.
type Listing struct {
	ID          int64  // Primary key assigned by the server
	Title       string // Display only
	Description string // Display only
	ImageRef    string // Display only, opaque

	StartingPrice int64  // Opening price
	CurrentBid    int64  // Highest accepted bid, never below StartingPrice
	HighestBidder string // Participant ID of the current leader, "" when no bids
	BidCount      int    // Number of reconciled bid updates

	EndTime  time.Time // Deadline in server time
	IsActive bool      // Flips to false exactly once

	// Version is the sequence of the last applied bid update (0 = server sends none).
	Version int64
}

// HasBids reports whether any bid has been reconciled for the listing.
func (l Listing) HasBids() bool {
	return l.BidCount > 0
}

// Standing describes the local participant's position on a listing.
type Standing string

const (
	StandingNone     Standing = ""         // No bids, or no local participant
	StandingWinning  Standing = "winning"  // Local participant leads a running auction
	StandingWon      Standing = "won"      // Local participant led when the auction ended
	StandingLost     Standing = "lost"     // Someone else led when the auction ended
	StandingTrailing Standing = "trailing" // Someone else leads a running auction
)

// Standing derives the local participant's position given whether the countdown has expired.
func (l Listing) Standing(participant string, expired bool) Standing {
	ended := expired || !l.IsActive
	switch {
	case l.HighestBidder == "":
		return StandingNone
	case participant != "" && l.HighestBidder == participant:
		if ended {
			return StandingWon
		}
		return StandingWinning
	case ended:
		return StandingLost
	case participant == "":
		return StandingNone
	default:
		return StandingTrailing
	}
}

// -----------------------------------------------------------------------------
// Notifications
// -----------------------------------------------------------------------------

// NotificationKind classifies a user-facing notification.
type NotificationKind string

const (
	KindSuccess NotificationKind = "success"
	KindError   NotificationKind = "error"
	KindWarning NotificationKind = "warning"
	KindInfo    NotificationKind = "info"
	KindOutbid  NotificationKind = "outbid"
)

// Notification is an ephemeral message for the presentation layer.
type Notification struct {
	ID        uuid.UUID // Time-ordered, used by displays to deduplicate
	Kind      NotificationKind
	Message   string
	ListingID int64     // 0 when not about a specific listing
	CreatedAt time.Time // Local time of creation
	Lifetime  time.Duration
}

// ExpiresAt returns when the notification should stop being displayed.
func (n Notification) ExpiresAt() time.Time {
	return n.CreatedAt.Add(n.Lifetime)
}

// Expired reports whether the display lifetime has elapsed at now.
func (n Notification) Expired(now time.Time) bool {
	return n.Lifetime > 0 && !now.Before(n.ExpiresAt())
}

// -----------------------------------------------------------------------------
// Time helpers
// -----------------------------------------------------------------------------

// FromMillis converts epoch milliseconds to time.Time. Zero maps to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ToMillis converts a time.Time to epoch milliseconds. The zero time maps to 0.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
