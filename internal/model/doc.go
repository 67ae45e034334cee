// Package model defines shared data types used across the auction sync client.
//
// Conventions:
//   - Prices: int64 whole currency units (the server never sends fractions)
//   - Timestamps: time.Time in the server's clock domain; the wire carries epoch milliseconds
//   - IDs: int64 for listings, opaque string for participants
package model
