// Package interfaces defines the abstractions the session protocol consumes
// from the long-term identity subsystem.
//
// The protocol never generates, stores or interprets long-term identities
// itself. A host supplies its own static P-384 key and an opaque identity
// blob, signs handshake transcripts, and decides whether a peer's identity
// and signature are acceptable:
//
//	type myHost struct {
//	    static *ecdh.PrivateKey
//	    blob   []byte
//	    signer ed25519.PrivateKey
//	}
//
//	func (h *myHost) StaticKey() *ecdh.PrivateKey { return h.static }
//	func (h *myHost) Identity() []byte            { return h.blob }
//	func (h *myHost) Sign(msg []byte) ([]byte, error) {
//	    return ed25519.Sign(h.signer, msg), nil
//	}
//	func (h *myHost) Verify(id []byte, static *ecdh.PublicKey, msg, sig []byte) bool {
//	    // check id binds static, then check sig over msg
//	}
//
// The identity package provides a ready-made [Host] built this way.
//
// # Verification contract
//
// [Verifier.Verify] is called for every initial key offer and counter-offer
// before any session state is created. Returning false rejects the handshake
// silently. Abbreviated rekey handshakes are bound to the already
// authenticated session by the ratchet secret and carry no signature.
package interfaces
