// Package session owns timing policy shared by the gateway and its clients.
//
// Ownership boundary:
// - connect/handshake/read/write timeouts
// - retry backoff for client reconnects
package session
