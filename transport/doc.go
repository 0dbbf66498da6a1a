// Package transport implements the two wire protocols a router speaks and
// the network helpers around them.
//
// # Servers
//
// StreamServer runs over TCP and DatagramServer over a single UDP socket.
// Both open sessions with the Noise XX handshake from package noise, taking
// the ephemeral key from Events.GetNextKeyPair so that key generation never
// sits on the handshake path. The initiator checks that the responder's
// static key hashes to the identity it meant to reach and aborts with
// ErrIdentityMismatch otherwise. During the handshake each side may announce
// its RouterDescriptor, which inbound sessions expose through
// Session.RemoteDescriptor.
//
// Stream frames carry a two byte length prefix and hold one or more
// messages. Datagrams carry one message each under an explicit 64-bit nonce:
//
//	type(1) | nonce(8) | ciphertext
//
// so loss and reordering never desynchronise the ciphers. A sliding window
// drops replayed packets, and inbound handshakes are rate limited.
//
// # Events
//
// Servers report inbound sessions through Events.PeerConnected; outbound
// sessions are returned from Connect. Every session reports its closure
// through Events.PeerDisconnected exactly once, and every byte sent or
// received is counted through UpdateSentBytes and UpdateReceivedBytes.
//
// # Helpers
//
// SystemResolver and DNSResolver resolve stream hostnames. NoopMapper,
// UPnPMapper and NATPMPMapper implement PortMapper for opening the listening
// ports on a home gateway.
package transport
