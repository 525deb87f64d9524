// Package limits centralizes the numeric limits of the session protocol.
//
// # Packet Geometry
//
// Every datagram starts with a HeaderSize (16 byte) header. Packets are
// AEAD protected with a 16 byte tag, so the smallest well-formed packet is
// MinPacketSize (32) bytes. Transports must offer at least MinTransportMTU
// (64) bytes per datagram.
//
// Packets larger than the MTU are split into fragments. Data packets may use
// up to MaxFragments (48) fragments; handshake packets are limited to
// KeyExchangeMaxFragments (2). The 6-bit header fields cap any packet at
// ProtocolMaxFragments (63).
//
//	capacity := limits.FragmentCapacity(mtu)   // body bytes per datagram
//	max := limits.MaxPlaintextSize(mtu)        // largest data payload
//
// # Key Usage
//
// A key is rekeyed after RekeyAfterUses messages or RekeyAfterTime plus up to
// RekeyMaxJitter, whichever comes first, and is destroyed after
// ExpireAfterUses messages regardless of rekey success. The hard limit keeps
// the 32-bit packet counter far from wrapping.
//
// # Validation Functions
//
//	if err := limits.ValidateMTU(mtu); err != nil {
//	    return err
//	}
//	if err := limits.ValidatePlaintext(payload, mtu); err != nil {
//	    // errors.Is(err, limits.ErrMessageTooLarge)
//	}
package limits
