// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single WebSocket channel to the auction server
//   - Exposes manual Connect, Disconnect and Reconnect
//   - Retries transport drops with a fixed delay and a bounded attempt count,
//     only while auto-reconnect is enabled; a manual Disconnect never retries
//   - Emits lifecycle signals and inbound frames on one ordered queue
package connection
