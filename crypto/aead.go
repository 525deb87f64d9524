package crypto

import (
	"errors"
	"fmt"

	"github.com/flynn/noise"

	"github.com/opd-ai/zssp/limits"
)

// KeySize is the size of an AES-256 key.
const KeySize = limits.AESKeySize

// ErrAuthenticationFailed indicates an AEAD tag did not verify.
var ErrAuthenticationFailed = errors.New("message authentication failed")

// AEAD is an AES-256-GCM cipher keyed once and used with an explicit
// 64-bit counter nonce. The caller guarantees counters never repeat for a key.
type AEAD struct {
	cipher noise.Cipher
}

// NewAEAD creates an AES-256-GCM cipher for the given key.
func NewAEAD(key [KeySize]byte) *AEAD {
	return &AEAD{cipher: noise.CipherAESGCM.Cipher(key)}
}

// Seal encrypts and authenticates plaintext and appends the result to dst.
func (a *AEAD) Seal(dst []byte, counter uint64, ad, plaintext []byte) []byte {
	return a.cipher.Encrypt(dst, counter, ad, plaintext)
}

// Open authenticates and decrypts ciphertext and appends the plaintext to dst.
func (a *AEAD) Open(dst []byte, counter uint64, ad, ciphertext []byte) ([]byte, error) {
	out, err := a.cipher.Decrypt(dst, counter, ad, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return out, nil
}
