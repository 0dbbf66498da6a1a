package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/routerlink/crypto"
	"github.com/opd-ai/routerlink/limits"
	"github.com/opd-ai/routerlink/netdb"
)

var (
	// ErrIdentityMismatch indicates the remote router is not the one dialed.
	ErrIdentityMismatch = errors.New("remote identity does not match descriptor")
	// ErrServerStopped indicates the server is not running.
	ErrServerStopped = errors.New("server stopped")
	// ErrSessionClosed indicates a send on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrHandshakeTimeout indicates the handshake did not finish in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrMalformedMessage indicates a message batch that cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message batch")
)

// DefaultHandshakeTimeout bounds a handshake when none is configured.
const DefaultHandshakeTimeout = 5 * time.Second

// Protocol identifies one of the two wire protocols.
type Protocol uint8

const (
	// ProtocolStream is the connection-oriented protocol over TCP.
	ProtocolStream Protocol = iota + 1
	// ProtocolDatagram is the packet-oriented protocol over UDP.
	ProtocolDatagram
)

// String returns the protocol name.
func (p Protocol) String() string {
	switch p {
	case ProtocolStream:
		return "stream"
	case ProtocolDatagram:
		return "datagram"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// Message is an opaque unit of application data.
type Message struct {
	ID      uint32
	Payload []byte
}

// Session is an authenticated channel to one remote router.
type Session interface {
	// ID is unique per session.
	ID() string
	Protocol() Protocol
	RemoteIdentity() netdb.Identity
	// RemoteDescriptor may be nil when the remote did not announce one.
	RemoteDescriptor() *netdb.RouterDescriptor
	RemoteAddr() net.Addr
	Established() time.Time
	// SendMessages delivers msgs in order.
	SendMessages(msgs []Message) error
	// Close terminates the session. It is safe to call more than once.
	Close() error
	// Done is closed once the session is closed.
	Done() <-chan struct{}
}

// Events receives notifications from protocol servers.
type Events interface {
	// PeerConnected reports an inbound session after its handshake.
	PeerConnected(s Session)
	// PeerDisconnected reports the closure of any session, exactly once.
	PeerDisconnected(s Session)
	MessageReceived(s Session, msg Message)
	UpdateSentBytes(n uint64)
	UpdateReceivedBytes(n uint64)
	// GetNextKeyPair supplies the ephemeral key for a handshake.
	GetNextKeyPair(ctx context.Context) (*crypto.KeyPair, error)
}

// appendMessage encodes m as id(4) | len(2) | payload.
func appendMessage(dst []byte, m Message) []byte {
	var hdr [limits.MessageHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], m.ID)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(m.Payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, m.Payload...)
}

// encodeBatches validates msgs and packs them, in order, into batches of at
// most max bytes.
func encodeBatches(msgs []Message, max int) ([][]byte, error) {
	var (
		batches [][]byte
		cur     []byte
	)
	for _, m := range msgs {
		if err := limits.ValidateMessage(m.Payload); err != nil {
			return nil, fmt.Errorf("message %d: %w", m.ID, err)
		}
		size := limits.MessageHeaderSize + len(m.Payload)
		if len(cur) > 0 && len(cur)+size > max {
			batches = append(batches, cur)
			cur = nil
		}
		cur = appendMessage(cur, m)
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches, nil
}

// decodeMessages parses a batch produced by encodeBatches.
func decodeMessages(b []byte) ([]Message, error) {
	var msgs []Message
	for len(b) > 0 {
		if len(b) < limits.MessageHeaderSize {
			return nil, fmt.Errorf("%w: truncated header", ErrMalformedMessage)
		}
		id := binary.BigEndian.Uint32(b[0:4])
		n := int(binary.BigEndian.Uint16(b[4:6]))
		b = b[limits.MessageHeaderSize:]
		if n == 0 || n > limits.MaxMessagePayload || n > len(b) {
			return nil, fmt.Errorf("%w: bad payload length %d", ErrMalformedMessage, n)
		}
		payload := make([]byte, n)
		copy(payload, b[:n])
		msgs = append(msgs, Message{ID: id, Payload: payload})
		b = b[n:]
	}
	return msgs, nil
}

// handshakePayload carries our descriptor so that inbound sessions learn how
// to reach the caller.
func handshakePayload(desc *netdb.RouterDescriptor) []byte {
	if desc == nil {
		return nil
	}
	raw, err := netdb.MarshalDescriptor(desc)
	if err != nil {
		return nil
	}
	return raw
}

// remoteDescriptor decodes an announced descriptor and keeps it only if it
// belongs to the authenticated static key.
func remoteDescriptor(payload []byte, static [crypto.KeySize]byte) *netdb.RouterDescriptor {
	if len(payload) == 0 {
		return nil
	}
	desc, err := netdb.UnmarshalDescriptor(payload)
	if err != nil || desc.StaticKey != static {
		return nil
	}
	return desc
}

// acquireEphemeral takes a key pair from events, falling back to a fresh one.
func acquireEphemeral(ctx context.Context, events Events) (*crypto.KeyPair, error) {
	if events != nil {
		kp, err := events.GetNextKeyPair(ctx)
		if err == nil {
			return kp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return crypto.GenerateKeyPair()
}
