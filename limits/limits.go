package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxMessagePayload is the largest payload one message may carry.
	MaxMessagePayload = 4096

	// MessageHeaderSize is the encoded header: a 4 byte identifier followed by
	// a 2 byte payload length.
	MessageHeaderSize = 6

	// MaxEncodedMessage is a full payload plus its header.
	MaxEncodedMessage = MaxMessagePayload + MessageHeaderSize

	// EncryptionOverhead is the AEAD tag added by the session cipher.
	EncryptionOverhead = 16

	// MaxStreamFrame is the largest sealed stream frame, bounded by its two
	// byte length prefix.
	MaxStreamFrame = 65535

	// MaxStreamPlaintext is the plaintext room left in a stream frame.
	MaxStreamPlaintext = MaxStreamFrame - EncryptionOverhead

	// DatagramHeaderSize is the packet type byte plus the 8 byte nonce.
	DatagramHeaderSize = 9

	// MaxDatagramPacket is the largest datagram a session will send or accept.
	MaxDatagramPacket = DatagramHeaderSize + MaxEncodedMessage + EncryptionOverhead

	// DefaultMaxBacklog is the default per-peer queue bound.
	DefaultMaxBacklog = 256
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateMessage validates a message payload against MaxMessagePayload.
func ValidateMessage(payload []byte) error {
	return ValidateMessageSize(payload, MaxMessagePayload)
}

// ValidateDatagram validates a received packet against MaxDatagramPacket.
func ValidateDatagram(packet []byte) error {
	if len(packet) < DatagramHeaderSize {
		return fmt.Errorf("%w: datagram of %d bytes is shorter than its header", ErrMessageEmpty, len(packet))
	}
	if len(packet) > MaxDatagramPacket {
		return fmt.Errorf("%w: datagram size %d exceeds limit %d", ErrMessageTooLarge, len(packet), MaxDatagramPacket)
	}
	return nil
}
