package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"github.com/opd-ai/zssp/limits"
)

type dhP384 struct{}

// DHP384 is the NIST P-384 ECDH function in the shape the Noise framework
// expects. Public keys are uncompressed points.
var DHP384 noise.DHFunc = dhP384{}

func (dhP384) GenerateKeypair(random io.Reader) (noise.DHKey, error) {
	if random == nil {
		random = rand.Reader
	}
	sk, err := ecdh.P384().GenerateKey(random)
	if err != nil {
		NewLogger("GenerateKeypair").WithError(err, "keygen", "p384").Error("P-384 key generation failed")
		return noise.DHKey{}, fmt.Errorf("p384 keygen: %w", err)
	}
	return noise.DHKey{Private: sk.Bytes(), Public: sk.PublicKey().Bytes()}, nil
}

func (dhP384) DH(privkey, pubkey []byte) ([]byte, error) {
	sk, err := ecdh.P384().NewPrivateKey(privkey)
	if err != nil {
		return nil, fmt.Errorf("p384 private key: %w", err)
	}
	pk, err := ParseP384PublicKey(pubkey)
	if err != nil {
		return nil, err
	}
	return sk.ECDH(pk)
}

func (dhP384) DHLen() int { return limits.P384PublicKeySize }

func (dhP384) DHName() string { return "NISTP384" }

// GenerateStaticKey creates a long-term P-384 key.
func GenerateStaticKey(random io.Reader) (*ecdh.PrivateKey, error) {
	if random == nil {
		random = rand.Reader
	}
	return ecdh.P384().GenerateKey(random)
}

// ParseP384PublicKey parses and validates an uncompressed P-384 point.
func ParseP384PublicKey(b []byte) (*ecdh.PublicKey, error) {
	if len(b) != limits.P384PublicKeySize {
		return nil, fmt.Errorf("p384 public key must be %d bytes, got %d", limits.P384PublicKeySize, len(b))
	}
	pk, err := ecdh.P384().NewPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("p384 public key: %w", err)
	}
	return pk, nil
}

// StaticAgree performs ECDH between a static private key and a peer public key.
func StaticAgree(sk *ecdh.PrivateKey, peer []byte) ([]byte, error) {
	pk, err := ParseP384PublicKey(peer)
	if err != nil {
		return nil, err
	}
	return sk.ECDH(pk)
}
