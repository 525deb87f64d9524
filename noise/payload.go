package noise

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"github.com/opd-ai/zssp/limits"
)

const (
	flagHybrid uint8 = 1 << 0
	flagRekey  uint8 = 1 << 1
)

// offerPayload is the encrypted part of a key offer.
type offerPayload struct {
	hybrid      bool
	rekey       bool
	sessionID   uint64 // initiator's local session ID
	timestamp   uint64 // unix milliseconds
	static      []byte
	identity    []byte
	signature   []byte
	kyberPublic []byte
}

// counterPayload is the encrypted part of a key counter-offer.
type counterPayload struct {
	hybrid     bool
	rekey      bool
	sessionID  uint64 // responder's local session ID
	timestamp  uint64 // echoed offer timestamp
	identity   []byte
	signature  []byte
	kyberCText []byte
}

func flags(hybrid, rekey bool) uint8 {
	var f uint8
	if hybrid {
		f |= flagHybrid
	}
	if rekey {
		f |= flagRekey
	}
	return f
}

func addSessionID(b *cryptobyte.Builder, id uint64) {
	b.AddUint16(uint16(id >> 32))
	b.AddUint32(uint32(id))
}

func readSessionID(s *cryptobyte.String, out *uint64) bool {
	var hi uint16
	var lo uint32
	if !s.ReadUint16(&hi) || !s.ReadUint32(&lo) {
		return false
	}
	*out = uint64(hi)<<32 | uint64(lo)
	return true
}

func addPrefixed(b *cryptobyte.Builder, v []byte) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(v)
	})
}

func readPrefixed(s *cryptobyte.String, out *[]byte, max int) bool {
	var v cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&v) || len(v) > max {
		return false
	}
	*out = append([]byte(nil), v...)
	return true
}

func (p *offerPayload) marshal() ([]byte, error) {
	if len(p.identity) > limits.MaxIdentitySize || len(p.signature) > limits.MaxSignatureSize {
		return nil, fmt.Errorf("%w: identity or signature too large", ErrMalformedHandshake)
	}
	var b cryptobyte.Builder
	b.AddUint8(flags(p.hybrid, p.rekey))
	addSessionID(&b, p.sessionID)
	b.AddUint64(p.timestamp)
	b.AddBytes(p.static)
	addPrefixed(&b, p.identity)
	addPrefixed(&b, p.signature)
	if p.hybrid {
		b.AddBytes(p.kyberPublic)
	}
	return b.Bytes()
}

func parseOfferPayload(data []byte) (*offerPayload, error) {
	s := cryptobyte.String(data)
	p := &offerPayload{}
	var f uint8
	if !s.ReadUint8(&f) ||
		!readSessionID(&s, &p.sessionID) ||
		!s.ReadUint64(&p.timestamp) ||
		!s.ReadBytes(&p.static, limits.P384PublicKeySize) ||
		!readPrefixed(&s, &p.identity, limits.MaxIdentitySize) ||
		!readPrefixed(&s, &p.signature, limits.MaxSignatureSize) {
		return nil, fmt.Errorf("%w: truncated offer", ErrMalformedHandshake)
	}
	p.hybrid = f&flagHybrid != 0
	p.rekey = f&flagRekey != 0
	if p.hybrid && !s.ReadBytes(&p.kyberPublic, limits.Kyber1024PublicKeySize) {
		return nil, fmt.Errorf("%w: truncated kyber public key", ErrMalformedHandshake)
	}
	if !s.Empty() {
		return nil, fmt.Errorf("%w: trailing offer bytes", ErrMalformedHandshake)
	}
	if p.sessionID == 0 || p.sessionID > limits.MaxSessionID {
		return nil, fmt.Errorf("%w: invalid initiator session id", ErrMalformedHandshake)
	}
	return p, nil
}

func (p *counterPayload) marshal() ([]byte, error) {
	if len(p.identity) > limits.MaxIdentitySize || len(p.signature) > limits.MaxSignatureSize {
		return nil, fmt.Errorf("%w: identity or signature too large", ErrMalformedHandshake)
	}
	var b cryptobyte.Builder
	b.AddUint8(flags(p.hybrid, p.rekey))
	addSessionID(&b, p.sessionID)
	b.AddUint64(p.timestamp)
	addPrefixed(&b, p.identity)
	addPrefixed(&b, p.signature)
	if p.hybrid {
		b.AddBytes(p.kyberCText)
	}
	return b.Bytes()
}

func parseCounterPayload(data []byte) (*counterPayload, error) {
	s := cryptobyte.String(data)
	p := &counterPayload{}
	var f uint8
	if !s.ReadUint8(&f) ||
		!readSessionID(&s, &p.sessionID) ||
		!s.ReadUint64(&p.timestamp) ||
		!readPrefixed(&s, &p.identity, limits.MaxIdentitySize) ||
		!readPrefixed(&s, &p.signature, limits.MaxSignatureSize) {
		return nil, fmt.Errorf("%w: truncated counter-offer", ErrMalformedHandshake)
	}
	p.hybrid = f&flagHybrid != 0
	p.rekey = f&flagRekey != 0
	if p.hybrid && !s.ReadBytes(&p.kyberCText, limits.Kyber1024CiphertextSize) {
		return nil, fmt.Errorf("%w: truncated kyber ciphertext", ErrMalformedHandshake)
	}
	if !s.Empty() {
		return nil, fmt.Errorf("%w: trailing counter-offer bytes", ErrMalformedHandshake)
	}
	if p.sessionID == 0 || p.sessionID > limits.MaxSessionID {
		return nil, fmt.Errorf("%w: invalid responder session id", ErrMalformedHandshake)
	}
	return p, nil
}
