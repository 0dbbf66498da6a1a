// Package limits provides the size limits shared by the transports and their
// validation functions.
//
// # Size Hierarchy
//
//   - MaxMessagePayload (4096 bytes): the largest payload a single transport
//     message may carry. Both transports enforce it on send and on receive.
//
//   - MaxEncodedMessage: a payload plus the message header (identifier and
//     length).
//
//   - MaxStreamFrame (65535 bytes): the largest frame a stream session writes.
//     Frames carry a two byte length prefix and hold one or more encoded
//     messages sealed under the session cipher.
//
//   - MaxDatagramPacket: one encoded message sealed into a datagram together
//     with the packet type and the explicit nonce.
//
// # Validation Functions
//
//	if err := limits.ValidateMessage(payload); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// For custom limits use ValidateMessageSize.
//
// # Backlog
//
// DefaultMaxBacklog bounds the number of messages queued for a peer that has
// no session yet. The oldest message is dropped once the bound is reached.
package limits
