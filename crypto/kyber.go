package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber1024"
)

var kyberScheme = kyber1024.Scheme()

// KyberKeyPair is an ephemeral Kyber1024 key pair used for one handshake.
type KyberKeyPair struct {
	Public  []byte
	private kem.PrivateKey
}

// GenerateKyberKeyPair creates a Kyber1024 key pair from random seed material.
func GenerateKyberKeyPair(random io.Reader) (*KyberKeyPair, error) {
	if random == nil {
		random = rand.Reader
	}
	seed := make([]byte, kyberScheme.SeedSize())
	defer ZeroBytes(seed)
	if _, err := io.ReadFull(random, seed); err != nil {
		return nil, fmt.Errorf("kyber seed: %w", err)
	}
	pk, sk := kyberScheme.DeriveKeyPair(seed)
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("kyber public key: %w", err)
	}
	return &KyberKeyPair{Public: pub, private: sk}, nil
}

// Decapsulate recovers the shared secret from a ciphertext produced by
// KyberEncapsulate against this key pair's public key.
func (kp *KyberKeyPair) Decapsulate(ct []byte) ([]byte, error) {
	if len(ct) != kyberScheme.CiphertextSize() {
		return nil, fmt.Errorf("kyber ciphertext must be %d bytes, got %d", kyberScheme.CiphertextSize(), len(ct))
	}
	ss, err := kyberScheme.Decapsulate(kp.private, ct)
	if err != nil {
		NewLogger("Decapsulate").WithError(err, "kem", "decapsulate").Warn("Kyber decapsulation failed")
		return nil, fmt.Errorf("kyber decapsulation failed: %w", err)
	}
	return ss, nil
}

// KyberEncapsulate generates a shared secret and its ciphertext for a
// serialized Kyber1024 public key.
func KyberEncapsulate(pub []byte) (ct, ss []byte, err error) {
	pk, err := kyberScheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("kyber public key: %w", err)
	}
	ct, ss, err = kyberScheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("kyber encapsulation failed: %w", err)
	}
	return ct, ss, nil
}
