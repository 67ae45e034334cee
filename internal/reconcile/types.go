package reconcile

import (
	"errors"
	"fmt"

	"github.com/rickgao/auction-sync/internal/api"
)

// Errors
var (
	ErrUnknownEvent = errors.New("unknown event")
	ErrMalformed    = errors.New("malformed payload")
)

// ProtocolError is a frame that could not be decoded or validated. The frame
// is dropped without mutating any state.
type ProtocolError struct {
	Event string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Event == "" {
		return fmt.Sprintf("protocol: %v", e.Err)
	}
	return fmt.Sprintf("protocol %s: %v", e.Event, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// InitialDataPayload is the INITIAL_DATA frame payload.
type InitialDataPayload struct {
	Items      []api.Item `json:"items"`
	ServerTime int64      `json:"serverTime"`
}

// UpdateBidPayload is the UPDATE_BID frame payload. Version is optional;
// servers that send it get duplicate suppression.
type UpdateBidPayload struct {
	ItemID        int64  `json:"itemId"`
	CurrentBid    int64  `json:"currentBid"`
	HighestBidder string `json:"highestBidder"`
	Version       int64  `json:"version,omitempty"`
}

// BidResultPayload is the BID_SUCCESS and BID_ERROR frame payload.
type BidResultPayload struct {
	ItemID    int64  `json:"itemId,omitempty"`
	BidAmount int64  `json:"bidAmount,omitempty"`
	Message   string `json:"message,omitempty"`
}

// OutbidPayload is the OUTBID frame payload.
type OutbidPayload struct {
	ItemID     int64 `json:"itemId"`
	CurrentBid int64 `json:"currentBid"`
}

// AuctionEndedPayload is the AUCTION_ENDED frame payload.
type AuctionEndedPayload struct {
	ItemID int64 `json:"itemId"`
}

// TimeSyncPayload is the TIME_SYNC frame payload.
type TimeSyncPayload struct {
	ServerTime int64 `json:"serverTime"` // Epoch milliseconds
}

// Result describes what applying one frame did.
type Result struct {
	Event     string
	ListingID int64 // 0 when the frame is not about a single listing
	Changed   bool  // Listing state was mutated
	Snapshot  bool  // The whole collection was replaced
}

// Stats contains runtime statistics.
type Stats struct {
	FramesReceived  int64
	FramesApplied   int64
	Duplicates      int64 // Versioned updates already applied
	StaleUpdates    int64 // Updates that would lower the current bid
	UnknownListings int64 // Frames about listings not in the collection
	ParseErrors     int64
	UnknownEvents   int64
	Suppressed      int64 // Explicit OUTBID already derived from UPDATE_BID
	Snapshots       int64
}
