// Package packet implements the wire codec of the session protocol: the
// fixed 16 byte header, the header check that cheaply rejects packets for the
// wrong session or key, and fragmentation and reassembly of packets larger
// than the transport MTU.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/zssp/limits"
)

var (
	// ErrPacketTooShort indicates a datagram or packet below the minimum size
	ErrPacketTooShort = errors.New("packet too short")
	// ErrInvalidFragment indicates inconsistent fragment index or total
	ErrInvalidFragment = errors.New("invalid fragment metadata")
	// ErrReservedType indicates a packet type this version does not define
	ErrReservedType = errors.New("reserved packet type")
	// ErrInvalidSessionID indicates a session ID outside the 48-bit range
	ErrInvalidSessionID = errors.New("invalid session id")
)

// Type identifies the kind of packet.
type Type uint8

const (
	// TypeData carries AEAD protected application data.
	TypeData Type = 0
	// TypeKeyOffer is the first handshake message, sent by the initiator.
	TypeKeyOffer Type = 1
	// TypeKeyCounterOffer is the second handshake message, sent by the responder.
	TypeKeyCounterOffer Type = 2
)

// String returns a human readable name for the packet type.
func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeKeyOffer:
		return "INITIAL_KEY_OFFER"
	case TypeKeyCounterOffer:
		return "KEY_COUNTER_OFFER"
	default:
		return fmt.Sprintf("RESERVED(%d)", uint8(t))
	}
}

// Reserved reports whether t is not defined by this protocol version.
func (t Type) Reserved() bool {
	return t > TypeKeyCounterOffer
}

// IsHandshake reports whether t is a key exchange packet.
func (t Type) IsHandshake() bool {
	return t == TypeKeyOffer || t == TypeKeyCounterOffer
}

// MaxFragments returns the fragment limit for packets of type t.
func (t Type) MaxFragments() int {
	if t.IsHandshake() {
		return limits.KeyExchangeMaxFragments
	}
	return limits.MaxFragments
}

// SessionID is a 48-bit session identifier. Zero means "no session" and
// addresses initial key offers.
type SessionID uint64

// Valid reports whether id can identify a session.
func (id SessionID) Valid() bool {
	return id != 0 && id <= limits.MaxSessionID
}

// String formats the ID as 12 hex digits.
func (id SessionID) String() string {
	return fmt.Sprintf("%012x", uint64(id))
}

// Header is the decoded form of the 16 byte packet header.
//
//	offset size field
//	0      6    recipient session ID, big-endian
//	6      2    type (4 bits) | fragment total (6 bits) | fragment index (6 bits)
//	8      4    packet counter, big-endian
//	12     4    header check tag
type Header struct {
	SessionID     SessionID
	Type          Type
	FragmentTotal uint8
	FragmentIndex uint8
	Counter       uint32
	Check         [4]byte
}

// Encode writes the header into the first HeaderSize bytes of dst.
func (h *Header) Encode(dst []byte) error {
	if len(dst) < limits.HeaderSize {
		return ErrPacketTooShort
	}
	if h.SessionID > limits.MaxSessionID {
		return ErrInvalidSessionID
	}
	if h.Type > 0x0f {
		return ErrReservedType
	}
	if h.FragmentTotal == 0 || h.FragmentTotal > limits.ProtocolMaxFragments || h.FragmentIndex >= h.FragmentTotal {
		return fmt.Errorf("%w: index %d of %d", ErrInvalidFragment, h.FragmentIndex, h.FragmentTotal)
	}
	putSessionID(dst[0:6], h.SessionID)
	binary.BigEndian.PutUint16(dst[6:8], uint16(h.Type)<<12|uint16(h.FragmentTotal)<<6|uint16(h.FragmentIndex))
	binary.BigEndian.PutUint32(dst[8:12], h.Counter)
	copy(dst[12:16], h.Check[:])
	return nil
}

// DecodeHeader parses the header at the start of a datagram. The datagram
// must carry at least one byte after the header.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) <= limits.HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrPacketTooShort, len(b))
	}
	bits := binary.BigEndian.Uint16(b[6:8])
	h := Header{
		SessionID:     getSessionID(b[0:6]),
		Type:          Type(bits >> 12),
		FragmentTotal: uint8(bits>>6) & 0x3f,
		FragmentIndex: uint8(bits) & 0x3f,
		Counter:       binary.BigEndian.Uint32(b[8:12]),
	}
	copy(h.Check[:], b[12:16])
	if h.FragmentTotal == 0 || h.FragmentIndex >= h.FragmentTotal {
		return h, fmt.Errorf("%w: index %d of %d", ErrInvalidFragment, h.FragmentIndex, h.FragmentTotal)
	}
	if h.Type.Reserved() {
		return h, fmt.Errorf("%w: %d", ErrReservedType, uint8(h.Type))
	}
	return h, nil
}

// AssociatedData returns the AEAD associated data for the packet this header
// belongs to. Fragment fields are excluded so all fragments share it.
func (h *Header) AssociatedData() []byte {
	ad := make([]byte, 11)
	putSessionID(ad[0:6], h.SessionID)
	ad[6] = byte(h.Type)
	binary.BigEndian.PutUint32(ad[7:11], h.Counter)
	return ad
}

func putSessionID(dst []byte, id SessionID) {
	v := uint64(id)
	for i := 5; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

func getSessionID(b []byte) SessionID {
	var v uint64
	for i := 0; i < 6; i++ {
		v = v<<8 | uint64(b[i])
	}
	return SessionID(v)
}
