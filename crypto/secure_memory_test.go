package crypto

import (
	"testing"
)

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func TestSecureWipe(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}
	if isZero(kp.Private[:]) {
		t.Fatal("Private key is all zeros before wiping")
	}

	if err := WipeKeyPair(kp); err != nil {
		t.Fatalf("WipeKeyPair failed: %v", err)
	}
	if !isZero(kp.Private[:]) {
		t.Error("Private key was not zeroed")
	}
	if isZero(kp.Public[:]) {
		t.Error("Public key should be left untouched")
	}
}

func TestSecureWipeEdgeCases(t *testing.T) {
	if err := SecureWipe(nil); err != ErrNilSecret {
		t.Errorf("Expected ErrNilSecret wiping nil data, got %v", err)
	}
	if err := SecureWipe([]byte{}); err != nil {
		t.Errorf("Wiping an empty slice failed: %v", err)
	}
	if err := WipeKeyPair(nil); err != ErrNilSecret {
		t.Errorf("Expected ErrNilSecret wiping a nil key pair, got %v", err)
	}
}

func TestZeroBytesMany(t *testing.T) {
	a := []byte{1, 2, 3}
	b := []byte{4, 5}
	ZeroBytes(a[1:], nil, b)

	if a[0] != 1 || !isZero(a[1:]) {
		t.Errorf("ZeroBytes wiped the wrong range: %v", a)
	}
	if !isZero(b) {
		t.Errorf("second buffer not wiped: %v", b)
	}
}
