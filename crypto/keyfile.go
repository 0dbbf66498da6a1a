package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeyFileVersion is the current encrypted key file format version.
	KeyFileVersion = 1
	// SaltSize is the size of the key derivation salt.
	SaltSize = 16

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4

	encryptedHeaderSize = 2 + SaltSize + chacha20poly1305.NonceSize
)

// ErrWrongPassphrase is returned when an encrypted key file does not
// authenticate under the given passphrase.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key file")

// LoadOrCreateKeyFile reads the static key pair stored at path, generating
// and saving a new one if the file does not exist.
//
// Without a passphrase the file holds the raw 32-byte private key. With one
// it holds version(2) | salt(16) | nonce(24) | ciphertext, sealed with
// XChaCha20-Poly1305 under an Argon2id key.
func LoadOrCreateKeyFile(path string, passphrase []byte) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		kp, err := decodeKeyFile(data, passphrase)
		ZeroBytes(data)
		return kp, err
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SaveKeyFile(path, kp, passphrase); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "LoadOrCreateKeyFile",
		"path":      path,
		"encrypted": len(passphrase) > 0,
	}).Info("Generated new static key")

	return kp, nil
}

// SaveKeyFile writes kp to path with owner-only permissions, replacing any
// existing file atomically.
func SaveKeyFile(path string, kp *KeyPair, passphrase []byte) error {
	if kp == nil {
		return errors.New("key pair cannot be nil")
	}

	var output []byte
	if len(passphrase) == 0 {
		output = append([]byte(nil), kp.Private[:]...)
	} else {
		var err error
		output, err = sealKey(kp.Private[:], passphrase)
		if err != nil {
			return err
		}
	}
	defer ZeroBytes(output)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create key directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, output, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename key file: %w", err)
	}
	return nil
}

func sealKey(secret, passphrase []byte) ([]byte, error) {
	output := make([]byte, encryptedHeaderSize, encryptedHeaderSize+KeySize+chacha20poly1305.Overhead)
	binary.BigEndian.PutUint16(output[0:2], KeyFileVersion)
	salt := output[2 : 2+SaltSize]
	if _, err := io.ReadFull(rand.Reader, output[2:encryptedHeaderSize]); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	defer ZeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	header := append([]byte(nil), output...)
	return aead.Seal(output, header[2+SaltSize:], secret, header[:2]), nil
}

func decodeKeyFile(data, passphrase []byte) (*KeyPair, error) {
	var secret [KeySize]byte
	defer ZeroBytes(secret[:])

	if len(passphrase) == 0 {
		if len(data) != KeySize {
			return nil, fmt.Errorf("invalid key file size %d, want %d", len(data), KeySize)
		}
		copy(secret[:], data)
		return FromSecretKey(secret)
	}

	if len(data) != encryptedHeaderSize+KeySize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("invalid encrypted key file size %d", len(data))
	}
	if v := binary.BigEndian.Uint16(data[0:2]); v != KeyFileVersion {
		return nil, fmt.Errorf("unsupported key file version %d", v)
	}
	salt := data[2 : 2+SaltSize]
	nonce := data[2+SaltSize : encryptedHeaderSize]

	key := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	defer ZeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plain, err := aead.Open(nil, nonce, data[encryptedHeaderSize:], data[:2])
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	copy(secret[:], plain)
	ZeroBytes(plain)
	return FromSecretKey(secret)
}
