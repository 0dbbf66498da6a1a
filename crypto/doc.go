// Package crypto implements the key material used by router transports.
//
// Every key pair is an X25519 pair suitable for the Noise handshakes run by
// the stream and datagram protocols.
//
// # Static keys
//
// A router's long-term identity comes from its static key. LoadOrCreateKeyFile
// reads it from disk or generates and persists a new one. When a passphrase
// is given the secret is sealed with XChaCha20-Poly1305 under a key derived
// with Argon2id:
//
//	static, err := crypto.LoadOrCreateKeyFile("router.key", passphrase)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer crypto.WipeKeyPair(static)
//
// # Ephemeral keys
//
// Ephemeral pairs are expensive enough to generate that KeyPairSupplier keeps
// a warm pool of them. Acquire blocks until a pair is available and Return
// hands back a pair whose handshake never used it:
//
//	supplier := crypto.NewKeyPairSupplier(5, nil)
//	if err := supplier.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer supplier.Stop()
//
//	kp, err := supplier.Acquire(ctx)
//
// # Memory hygiene
//
// SecureWipe and WipeKeyPair overwrite secrets once they are no longer
// needed. Go's garbage collector may still have copied the data, so wiping
// is best effort.
package crypto
