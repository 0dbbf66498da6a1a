package noise

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"github.com/opd-ai/routerlink/crypto"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrPeerStaticUnknown indicates the peer has not revealed its static key yet
	ErrPeerStaticUnknown = errors.New("peer static key not yet known")
)

// Role defines whether we're initiating or responding to a handshake.
type Role uint8

const (
	// Initiator opens the session.
	Initiator Role = iota
	// Responder accepts the session.
	Responder
)

// String returns the role name.
func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// CipherSuite is the suite used by every session.
var CipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// Handshake is one side of a Noise XX exchange.
type Handshake struct {
	role       Role
	state      *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool
	ephSeed    []byte
}

// NewHandshake creates a handshake using our static key pair and a
// pre-generated ephemeral key pair. The ephemeral pair may be wiped by the
// caller once NewHandshake returns. prologue binds the handshake to the
// transport that carries it.
func NewHandshake(static, ephemeral *crypto.KeyPair, role Role, prologue []byte) (*Handshake, error) {
	if static == nil {
		return nil, errors.New("static key pair is required")
	}
	if ephemeral == nil {
		return nil, errors.New("ephemeral key pair is required")
	}

	staticKey := noise.DHKey{
		Private: make([]byte, crypto.KeySize),
		Public:  make([]byte, crypto.KeySize),
	}
	copy(staticKey.Private, static.Private[:])
	copy(staticKey.Public, static.Public[:])

	hs := &Handshake{
		role:    role,
		ephSeed: make([]byte, crypto.KeySize),
	}
	copy(hs.ephSeed, ephemeral.Private[:])

	// DH25519 draws the ephemeral private key from Random, so the pooled key
	// is served first and the system source only backs it up.
	config := noise.Config{
		CipherSuite:   CipherSuite,
		Random:        io.MultiReader(bytes.NewReader(hs.ephSeed), rand.Reader),
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		Prologue:      prologue,
		StaticKeypair: staticKey,
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		crypto.ZeroBytes(hs.ephSeed)
		crypto.ZeroBytes(staticKey.Private)
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}
	hs.state = state
	return hs, nil
}

// WriteMessage produces the next handshake message carrying payload.
func (hs *Handshake) WriteMessage(payload []byte) ([]byte, bool, error) {
	if hs.complete {
		return nil, false, ErrHandshakeComplete
	}

	message, cs1, cs2, err := hs.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, false, fmt.Errorf("%s handshake write failed: %w", hs.role, err)
	}
	hs.finish(cs1, cs2)
	return message, hs.complete, nil
}

// ReadMessage consumes a handshake message from the peer and returns its
// payload.
func (hs *Handshake) ReadMessage(message []byte) ([]byte, bool, error) {
	if hs.complete {
		return nil, false, ErrHandshakeComplete
	}

	payload, cs1, cs2, err := hs.state.ReadMessage(nil, message)
	if err != nil {
		return nil, false, fmt.Errorf("%s handshake read failed: %w", hs.role, err)
	}
	hs.finish(cs1, cs2)
	return payload, hs.complete, nil
}

// finish records the cipher states once flynn/noise hands them out. cs1
// always protects initiator to responder traffic.
func (hs *Handshake) finish(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	if hs.role == Initiator {
		hs.sendCipher, hs.recvCipher = cs1, cs2
	} else {
		hs.sendCipher, hs.recvCipher = cs2, cs1
	}
	hs.complete = true
	crypto.ZeroBytes(hs.ephSeed)
}

// IsComplete returns whether the handshake is complete.
func (hs *Handshake) IsComplete() bool {
	return hs.complete
}

// Role returns our side of the handshake.
func (hs *Handshake) Role() Role {
	return hs.role
}

// CipherStates returns the send and receive cipher states.
func (hs *Handshake) CipherStates() (*noise.CipherState, *noise.CipherState, error) {
	if !hs.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return hs.sendCipher, hs.recvCipher, nil
}

// PeerStatic returns the peer's static key. The initiator learns it after
// reading the second message, the responder after the third.
func (hs *Handshake) PeerStatic() ([crypto.KeySize]byte, error) {
	var key [crypto.KeySize]byte
	remote := hs.state.PeerStatic()
	if len(remote) != crypto.KeySize {
		return key, ErrPeerStaticUnknown
	}
	copy(key[:], remote)
	return key, nil
}

// LocalEphemeral returns the public half of the ephemeral key in use, once
// it has been sent.
func (hs *Handshake) LocalEphemeral() []byte {
	e := hs.state.LocalEphemeral()
	if len(e.Public) == 0 {
		return nil
	}
	out := make([]byte, len(e.Public))
	copy(out, e.Public)
	return out
}

// ChannelBinding returns the handshake hash, unique to this session.
func (hs *Handshake) ChannelBinding() []byte {
	return hs.state.ChannelBinding()
}
