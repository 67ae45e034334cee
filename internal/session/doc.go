// Package session wires the sync engine into one running client.
//
// A Session owns every component and a single reactor goroutine that pops
// the Connection Manager's ordered queue. The reactor is the only writer of
// listing state and participant identity: it reloads the listing snapshot
// synchronously when a connection comes up after a gap, so frames queued
// meanwhile are applied on top of the fresh snapshot.
package session
