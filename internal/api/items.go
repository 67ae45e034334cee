package api

import (
	"context"
	"fmt"
	"time"

	"github.com/rickgao/auction-sync/internal/model"
)

// GetItems fetches the full listing snapshot.
func (c *Client) GetItems(ctx context.Context) (*Snapshot, error) {
	var resp ItemsResponse
	if err := c.get(ctx, "/api/items", &resp); err != nil {
		return nil, fmt.Errorf("%w: get items: %w", ErrFetchFailed, err)
	}

	for idx, item := range resp.Data {
		if item.ID <= 0 {
			return nil, fmt.Errorf("%w: get items: item %d has no id", ErrFetchFailed, idx)
		}
	}

	return &Snapshot{
		Listings:   ToListings(resp.Data),
		ServerTime: resp.ServerTime,
	}, nil
}

// GetItem fetches one listing.
func (c *Client) GetItem(ctx context.Context, id int64) (model.Listing, error) {
	var resp ItemResponse
	if err := c.get(ctx, fmt.Sprintf("/api/items/%d", id), &resp); err != nil {
		return model.Listing{}, fmt.Errorf("%w: get item %d: %w", ErrFetchFailed, id, err)
	}
	return resp.Data.Listing(), nil
}

// GetServerTime fetches the server's clock.
func (c *Client) GetServerTime(ctx context.Context) (time.Time, error) {
	var resp TimeResponse
	if err := c.get(ctx, "/api/time", &resp); err != nil {
		return time.Time{}, fmt.Errorf("%w: get time: %w", ErrFetchFailed, err)
	}
	if resp.ServerTime <= 0 {
		return time.Time{}, fmt.Errorf("%w: get time: missing serverTime", ErrFetchFailed)
	}
	return model.FromMillis(resp.ServerTime), nil
}

// ResetItem restarts an auction on servers that allow it.
func (c *Client) ResetItem(ctx context.Context, id int64) (*ResetResponse, error) {
	var resp ResetResponse
	if err := c.post(ctx, fmt.Sprintf("/api/items/%d/reset", id), &resp); err != nil {
		return nil, fmt.Errorf("%w: reset item %d: %w", ErrFetchFailed, id, err)
	}
	return &resp, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.get(ctx, "/api/health", &resp); err != nil {
		return nil, fmt.Errorf("%w: health: %w", ErrFetchFailed, err)
	}
	return &resp, nil
}
