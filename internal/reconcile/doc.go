// Package reconcile implements the Event Reconciliation Engine.
//
// The engine folds inbound server frames into the listing collection it
// owns and derives the user-facing notifications for each event. Callers
// only ever see copies of listings.
//
// Handled frames:
//   - INITIAL_DATA: replaces the collection and applies the clock baseline
//   - UPDATE_BID: sets the bid and bidder, increments the bid count
//   - BID_SUCCESS: logged only
//   - BID_ERROR: error notification with the server's reason
//   - OUTBID: outbid notification unless already derived from UPDATE_BID
//   - AUCTION_ENDED: marks the listing inactive, idempotent
//   - TIME_SYNC: updates the clock offset
package reconcile
