package crypto

import (
	"errors"
	"runtime"
)

// ErrNilSecret is returned when asked to wipe a nil buffer or key pair.
var ErrNilSecret = errors.New("nothing to wipe")

// SecureWipe overwrites data with zeros. Wiping a nil slice is an error so
// that callers notice they lost track of the secret; an empty slice is fine.
func SecureWipe(data []byte) error {
	if data == nil {
		return ErrNilSecret
	}
	clear(data)
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes wipes every buffer it is given, skipping nil ones. It suits
// deferred cleanup of derived keys and decrypted plaintext.
func ZeroBytes(bufs ...[]byte) {
	for _, b := range bufs {
		if b != nil {
			_ = SecureWipe(b)
		}
	}
}

// WipeKeyPair erases the private half of kp. The public half is left intact
// so a wiped pair can still be identified in logs.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return ErrNilSecret
	}
	return SecureWipe(kp.Private[:])
}
