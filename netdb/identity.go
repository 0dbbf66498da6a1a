// Package netdb holds router identities and descriptors and the store that
// resolves one into the other.
//
// An Identity is the BLAKE3-256 hash of a router's static X25519 key. A
// RouterDescriptor lists the addresses a router can be reached on for each
// transport style. The DB type answers local lookups from an LRU cache and
// serves asynchronous resolution requests from a persistent backend and an
// optional remote fetcher.
package netdb

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// IdentitySize is the length of an Identity in bytes.
const IdentitySize = 32

// Identity names a router. It is comparable and used as a map key; its byte
// order carries no meaning.
type Identity [IdentitySize]byte

// ErrInvalidIdentity is returned when a string does not decode to an identity.
var ErrInvalidIdentity = errors.New("invalid router identity")

// IdentityFromKey derives the identity of the router owning staticKey.
func IdentityFromKey(staticKey [32]byte) Identity {
	return Identity(blake3.Sum256(staticKey[:]))
}

// ParseIdentity decodes the base58 form produced by String.
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	raw, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if len(raw) != IdentitySize {
		return id, fmt.Errorf("%w: got %d bytes", ErrInvalidIdentity, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// String returns the base58 encoding of the identity.
func (id Identity) String() string {
	return base58.Encode(id[:])
}

// Short returns an abbreviated form for log lines.
func (id Identity) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id == Identity{}
}
