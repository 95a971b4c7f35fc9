// Package client is the remote side of the ANS link protocol.
//
// A Registry hands out one Peer per gateway address. A Peer owns the admin
// channel and serializes admin commands on its own lock; every Board opened
// through it owns a separate board channel and lock, so admin traffic and
// traffic for different boards proceed independently.
package client
