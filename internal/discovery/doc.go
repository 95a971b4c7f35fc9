// Package discovery locates gateways on the local subnet over UDP.
//
// A requester broadcasts a DiscoverRequest carrying the port it listens on
// for replies. Every gateway Responder unicasts a DiscoverResponse back to
// the sender's address on that port, and announces itself once at startup.
// A Listener collects replies and reports each distinct gateway once.
package discovery
