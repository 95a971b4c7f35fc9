// Package protocol owns the ANS wire contract constants.
//
// Ownership boundary:
// - magic, protocol version and link types
// - status codes, command types and function ids
// - protocol-level sentinel errors
//
// Frame layouts live in protocol/frame; structured payload fields in protocol/tlv.
package protocol
