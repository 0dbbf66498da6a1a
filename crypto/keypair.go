package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of X25519 public and private keys.
const KeySize = curve25519.ScalarSize

// KeyPair represents an X25519 key pair used in transport handshakes.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// KeyGenerator produces fresh key pairs. GenerateKeyPair is the default.
type KeyGenerator func() (*KeyPair, error)

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	return generateKeyPairFrom(rand.Reader)
}

func generateKeyPairFrom(r io.Reader) (*KeyPair, error) {
	var secret [KeySize]byte
	if _, err := io.ReadFull(r, secret[:]); err != nil {
		return nil, fmt.Errorf("failed to read key material: %w", err)
	}
	kp, err := FromSecretKey(secret)
	ZeroBytes(secret[:])
	return kp, err
}

// FromSecretKey creates a key pair from an existing private key.
func FromSecretKey(secretKey [KeySize]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	public, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], public)
	return kp, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [KeySize]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
