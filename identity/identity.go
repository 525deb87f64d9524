// Package identity is a reference implementation of the long-term identity
// subsystem. An identity is a P-384 static key for the handshake plus an
// Ed25519 key that signs handshake transcripts. The identity blob sent to
// peers is the static public key followed by the Ed25519 public key.
package identity

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/zssp/crypto"
	"github.com/opd-ai/zssp/interfaces"
	"github.com/opd-ai/zssp/limits"
)

// BlobSize is the size of an identity blob.
const BlobSize = limits.P384PublicKeySize + ed25519.PublicKeySize

var (
	// ErrInvalidBlob indicates an identity blob of the wrong size or content
	ErrInvalidBlob = errors.New("invalid identity blob")
	// ErrInvalidSeed indicates a signing seed of the wrong size
	ErrInvalidSeed = errors.New("invalid signing seed")
)

// Host holds a complete local identity and verifies peers.
type Host struct {
	static *ecdh.PrivateKey
	signer ed25519.PrivateKey
	blob   []byte

	// Accept, if set, is consulted after the cryptographic checks pass and
	// may reject identities the application does not trust.
	Accept func(blob []byte) bool
}

var _ interfaces.Host = (*Host)(nil)

// New generates a fresh identity using random, or crypto/rand if nil.
func New(random io.Reader) (*Host, error) {
	if random == nil {
		random = rand.Reader
	}
	static, err := crypto.GenerateStaticKey(random)
	if err != nil {
		return nil, err
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(random, seed); err != nil {
		return nil, fmt.Errorf("signing seed: %w", err)
	}
	defer crypto.ZeroBytes(seed)
	return FromKeys(static, seed)
}

// FromKeys builds an identity from an existing static key and Ed25519 seed.
func FromKeys(static *ecdh.PrivateKey, seed []byte) (*Host, error) {
	if static == nil || static.Curve() != ecdh.P384() {
		return nil, fmt.Errorf("%w: static key must be P-384", ErrInvalidBlob)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSeed, len(seed))
	}
	signer := ed25519.NewKeyFromSeed(seed)
	blob := make([]byte, 0, BlobSize)
	blob = append(blob, static.PublicKey().Bytes()...)
	blob = append(blob, signer.Public().(ed25519.PublicKey)...)

	crypto.NewPackageLogger("identity", "FromKeys").
		WithFields(crypto.SecureFieldHash(blob, "identity")).
		Debug("Loaded identity")

	return &Host{static: static, signer: signer, blob: blob}, nil
}

// StaticKey returns the P-384 static key.
func (h *Host) StaticKey() *ecdh.PrivateKey {
	return h.static
}

// StaticPublic returns the encoded static public key peers must know to
// initiate a session with this host.
func (h *Host) StaticPublic() []byte {
	return h.static.PublicKey().Bytes()
}

// Identity returns a copy of the identity blob.
func (h *Host) Identity() []byte {
	return append([]byte(nil), h.blob...)
}

// Sign signs message with the Ed25519 key.
func (h *Host) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(h.signer, message), nil
}

// Verify checks that blob names static as its handshake key and that
// signature is a valid Ed25519 signature over message by the blob's signing
// key.
func (h *Host) Verify(blob []byte, static *ecdh.PublicKey, message, signature []byte) bool {
	logger := crypto.NewPackageLogger("identity", "Verify")

	staticBytes, signKey, err := Parse(blob)
	if err != nil || static == nil {
		logger.Debug("Rejected malformed identity")
		return false
	}
	if !bytes.Equal(staticBytes, static.Bytes()) {
		logger.Debug("Rejected identity not bound to handshake static key")
		return false
	}
	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(signKey, message, signature) {
		logger.Debug("Rejected identity signature")
		return false
	}
	if h.Accept != nil && !h.Accept(blob) {
		logger.WithFields(crypto.SecureFieldHash(blob, "identity")).Info("Identity not accepted by policy")
		return false
	}
	return true
}

// Parse splits an identity blob into its static public key bytes and its
// Ed25519 public key.
func Parse(blob []byte) ([]byte, ed25519.PublicKey, error) {
	if len(blob) != BlobSize {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrInvalidBlob, len(blob))
	}
	static := blob[:limits.P384PublicKeySize]
	if _, err := crypto.ParseP384PublicKey(static); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}
	return static, ed25519.PublicKey(blob[limits.P384PublicKeySize:]), nil
}
