package packet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"

	"github.com/opd-ai/zssp/crypto"
	"github.com/opd-ai/zssp/limits"
)

// checkedPayloadBytes is how many bytes after the header feed the header check.
const checkedPayloadBytes = 4

// HeaderCheck computes the 4 byte tag embedded in every header. It is a
// single AES block over the first 12 header bytes and the first payload
// bytes of the datagram, so a receiver can discard packets for the wrong
// session or key before running AEAD. It does not replace AEAD authentication.
type HeaderCheck struct {
	block cipher.Block
}

// NewHeaderCheck creates a header check keyed with an AES-256 key.
func NewHeaderCheck(key [limits.AESKeySize]byte) (*HeaderCheck, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("header check cipher: %w", err)
	}
	return &HeaderCheck{block: block}, nil
}

// NewHandshakeCheck creates the header check for handshake packets addressed
// to the holder of staticPublic.
func NewHandshakeCheck(staticPublic []byte) (*HeaderCheck, error) {
	h := crypto.SHA384(staticPublic)
	key := crypto.KBKDF256(h[:], crypto.LabelHeaderCheck)
	defer crypto.WipeKey(&key)
	return NewHeaderCheck(key)
}

func (hc *HeaderCheck) tag(dgram []byte) [4]byte {
	var blk [aes.BlockSize]byte
	copy(blk[:12], dgram[:12])
	payload := dgram[limits.HeaderSize:]
	if len(payload) > checkedPayloadBytes {
		payload = payload[:checkedPayloadBytes]
	}
	copy(blk[12:], payload)
	hc.block.Encrypt(blk[:], blk[:])
	var t [4]byte
	copy(t[:], blk[:4])
	return t
}

// Seal writes the tag into an encoded datagram.
func (hc *HeaderCheck) Seal(dgram []byte) {
	t := hc.tag(dgram)
	copy(dgram[12:16], t[:])
}

// Verify reports whether the datagram's embedded tag is correct.
func (hc *HeaderCheck) Verify(dgram []byte) bool {
	if len(dgram) <= limits.HeaderSize {
		return false
	}
	t := hc.tag(dgram)
	return subtle.ConstantTimeCompare(t[:], dgram[12:16]) == 1
}
