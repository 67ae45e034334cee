package api

import (
	"errors"

	"github.com/rickgao/auction-sync/internal/model"
)

// ErrFetchFailed wraps every failure of the public client methods.
var ErrFetchFailed = errors.New("fetch failed")

// errorBody is the JSON error shape the server returns with 4xx/5xx.
type errorBody struct {
	Error string `json:"error"`
}

// Item is a listing as the server serializes it, over REST and in the
// channel's INITIAL_DATA frame.
type Item struct {
	ID            int64   `json:"id"`
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	ImageURL      string  `json:"imageUrl"`
	StartingPrice int64   `json:"startingPrice"`
	CurrentBid    int64   `json:"currentBid"`
	HighestBidder *string `json:"highestBidder"`
	BidCount      int     `json:"bidCount"`
	EndTime       int64   `json:"endTime"` // Epoch milliseconds
	IsActive      bool    `json:"isActive"`
	Version       int64   `json:"version,omitempty"`
}

// ItemsResponse from GET /api/items
type ItemsResponse struct {
	Data       []Item `json:"data"`
	ServerTime int64  `json:"serverTime"`
}

// ItemResponse from GET /api/items/{id}
type ItemResponse struct {
	Data       Item  `json:"data"`
	ServerTime int64 `json:"serverTime,omitempty"`
}

// TimeResponse from GET /api/time
type TimeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// ResetResponse from POST /api/items/{id}/reset
type ResetResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    *Item  `json:"data,omitempty"`
}

// HealthResponse from GET /api/health
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Snapshot is a decoded listing snapshot.
type Snapshot struct {
	Listings   []model.Listing
	ServerTime int64 // Epoch milliseconds, 0 if the server sent none
}
