// Package noise runs the Noise XX handshake that opens every transport
// session.
//
// Both the stream and datagram protocols authenticate with
// Noise_XX_25519_ChaChaPoly_BLAKE2s through flynn/noise. XX is used because a
// responder does not know who is calling; the initiator learns the responder's
// static key in the second message and can abort before revealing its own
// static key when that key does not belong to the router it meant to reach.
//
// Message flow:
//
//	Initiator                              Responder
//	─────────                              ─────────
//	-> e
//	                                       <- e, ee, s, es
//	-> s, se
//	[session established]
//
// The ephemeral key for each handshake is supplied by the caller, normally
// taken from a crypto.KeyPairSupplier so that handshakes never wait on key
// generation.
//
// Example usage:
//
//	hs, err := noise.NewHandshake(static, ephemeral, noise.Initiator, prologue)
//	if err != nil {
//	    return err
//	}
//	msg1, _, err := hs.WriteMessage(nil)
//	// send msg1, receive msg2
//	if _, _, err := hs.ReadMessage(msg2); err != nil {
//	    return err
//	}
//	remote, _ := hs.PeerStatic() // check the identity here
//	msg3, complete, err := hs.WriteMessage(nil)
//	send, recv, _ := hs.CipherStates()
package noise
