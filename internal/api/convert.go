package api

import "github.com/rickgao/auction-sync/internal/model"

// Listing converts the wire item, normalizing it so the listing invariants
// hold: the current bid is never below the starting price and a listing
// without bids has no highest bidder.
func (i Item) Listing() model.Listing {
	l := model.Listing{
		ID:            i.ID,
		Title:         i.Title,
		Description:   i.Description,
		ImageRef:      i.ImageURL,
		StartingPrice: i.StartingPrice,
		CurrentBid:    i.CurrentBid,
		BidCount:      i.BidCount,
		EndTime:       model.FromMillis(i.EndTime),
		IsActive:      i.IsActive,
		Version:       i.Version,
	}
	if i.HighestBidder != nil {
		l.HighestBidder = *i.HighestBidder
	}
	if l.CurrentBid < l.StartingPrice {
		l.CurrentBid = l.StartingPrice
	}
	if l.BidCount < 0 {
		l.BidCount = 0
	}
	if l.BidCount == 0 {
		l.HighestBidder = ""
	}
	return l
}

// ToListings converts a slice of wire items.
func ToListings(items []Item) []model.Listing {
	out := make([]model.Listing, 0, len(items))
	for _, i := range items {
		out = append(out, i.Listing())
	}
	return out
}
