// Package api provides the auction server's REST client and the wire types
// shared with the WebSocket channel.
//
// REST endpoints (relative to the server root):
//   - GET  /api/items            listing snapshot plus server time
//   - GET  /api/items/{id}       one listing
//   - GET  /api/time             server time
//   - POST /api/items/{id}/reset restart an auction (demo servers)
//   - GET  /api/health           liveness
//
// Every failure returned by the public methods wraps ErrFetchFailed.
package api
