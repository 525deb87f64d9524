package interfaces

import "crypto/ecdh"

// Identity is the local side of the identity subsystem.
type Identity interface {
	// StaticKey returns the long-term NIST P-384 key used in the handshake
	StaticKey() *ecdh.PrivateKey

	// Identity returns the opaque identity blob sent to peers
	Identity() []byte

	// Sign signs a handshake transcript hash
	Sign(message []byte) ([]byte, error)
}

// Verifier authenticates a peer's identity during a handshake.
type Verifier interface {
	// Verify reports whether identity is acceptable, is bound to the static
	// key used in the handshake, and produced signature over message
	Verify(identity []byte, static *ecdh.PublicKey, message, signature []byte) bool
}

// Host combines the local identity with peer verification. Every session
// endpoint needs one.
type Host interface {
	Identity
	Verifier
}
