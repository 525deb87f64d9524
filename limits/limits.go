// Package limits provides the size and timing limits of the session protocol.
// Every component validates against these values so that the wire contract
// is enforced consistently by the codec, the fragmentation engine and the
// session state machine.
package limits

import (
	"errors"
	"fmt"
	"time"
)

const (
	// HeaderSize is the size of the fixed packet header in bytes.
	HeaderSize = 16

	// AEADTagSize is the size of the AES-GCM authentication tag.
	AEADTagSize = 16

	// MinPacketSize is the smallest well-formed packet: a header plus an AEAD tag.
	MinPacketSize = HeaderSize + AEADTagSize

	// MinTransportMTU is the smallest transport MTU the protocol supports.
	MinTransportMTU = 64

	// DefaultMTU fits a UDP payload on a 1500 byte ethernet link with
	// room for IPv6 and encapsulation headers.
	DefaultMTU = 1432

	// MaxFragments is the maximum number of fragments of a data packet.
	MaxFragments = 48

	// KeyExchangeMaxFragments is the maximum number of fragments of a
	// handshake packet. It bounds amplification and pre-authentication memory.
	KeyExchangeMaxFragments = 2

	// ProtocolMaxFragments is the ceiling imposed by the 6-bit fragment fields.
	ProtocolMaxFragments = 63

	// SessionIDSize is the size of a session ID on the wire.
	SessionIDSize = 6

	// MaxSessionID is the largest representable session ID.
	MaxSessionID = 1<<(8*SessionIDSize) - 1

	// CounterWindowMaxOutOfOrder is how far below the highest accepted
	// counter a packet may arrive and still be accepted.
	CounterWindowMaxOutOfOrder = 16

	// RekeyAfterUses is the soft per-key usage limit that triggers a rekey.
	RekeyAfterUses = 1 << 29

	// ExpireAfterUses is the hard per-key usage limit. A key is never used
	// beyond this many times.
	ExpireAfterUses = 2 * RekeyAfterUses

	// RekeyAfterTime is the base key lifetime before a rekey is started.
	RekeyAfterTime = time.Hour

	// RekeyMaxJitter is the upper bound of random time added to
	// RekeyAfterTime so that many sessions do not rekey in lockstep.
	RekeyMaxJitter = 10 * time.Minute

	// ServiceInterval is the recommended interval between Service calls. It
	// is shorter than the default offer retry interval.
	ServiceInterval = 250 * time.Millisecond

	// HandshakeMaxAge is the maximum age of an accepted key offer.
	HandshakeMaxAge = 5 * time.Minute

	// HandshakeMaxFutureDrift is how far in the future an offer timestamp may be.
	HandshakeMaxFutureDrift = time.Minute

	// P384PublicKeySize is the size of an uncompressed NIST P-384 point.
	P384PublicKeySize = 97

	// HMACSize is the size of an HMAC-SHA384 output.
	HMACSize = 48

	// AESKeySize is the size of an AES-256 key.
	AESKeySize = 32

	// Kyber1024PublicKeySize is the size of a Kyber1024 encapsulation key.
	Kyber1024PublicKeySize = 1568

	// Kyber1024CiphertextSize is the size of a Kyber1024 ciphertext.
	Kyber1024CiphertextSize = 1568

	// MaxIdentitySize bounds the opaque identity blob carried in handshakes.
	MaxIdentitySize = 1024

	// MaxSignatureSize bounds the signature carried in handshakes.
	MaxSignatureSize = 512
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")

	// ErrMTUTooSmall indicates an MTU below MinTransportMTU
	ErrMTUTooSmall = errors.New("mtu below protocol minimum")
)

// ValidateMTU checks that mtu is usable by the protocol.
func ValidateMTU(mtu int) error {
	if mtu < MinTransportMTU {
		return fmt.Errorf("%w: %d < %d", ErrMTUTooSmall, mtu, MinTransportMTU)
	}
	return nil
}

// FragmentCapacity returns how many body bytes fit in one datagram of the given MTU.
func FragmentCapacity(mtu int) int {
	return mtu - HeaderSize
}

// MaxBodySize returns the largest packet body (everything after the header)
// that can be sent in at most maxFragments datagrams of the given MTU.
func MaxBodySize(mtu, maxFragments int) int {
	return FragmentCapacity(mtu) * maxFragments
}

// MaxPlaintextSize returns the largest plaintext a single data packet can
// carry at the given MTU.
func MaxPlaintextSize(mtu int) int {
	return MaxBodySize(mtu, MaxFragments) - AEADTagSize
}

// ValidatePlaintext validates a data packet payload against the MTU derived
// limit. Empty payloads are allowed: they are sent as keepalives.
func ValidatePlaintext(plaintext []byte, mtu int) error {
	if limit := MaxPlaintextSize(mtu); len(plaintext) > limit {
		return fmt.Errorf("%w: plaintext size %d exceeds limit %d", ErrMessageTooLarge, len(plaintext), limit)
	}
	return nil
}
