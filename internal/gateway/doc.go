// Package gateway is the server side of the ANS link protocol.
//
// Server owns the peer and board registries and the admin/board handler
// tables. Every accepted connection runs one multiplexer task that performs
// the link handshake and then becomes an admin or board worker loop on the
// same goroutine. Service wraps a Server with the TCP accept loop, the
// connection task pool, the discovery responder and the status HTTP API.
//
// Registry entries carry a reference count whose baseline is 1: the registry
// itself holds one reference, every external holder adds one, and a release
// that brings the count back to 1 unlinks and tears the entry down.
package gateway
