// Package crypto provides the primitive adapters and key schedule of the
// session protocol.
//
// # Primitive Adapters
//
// The package wraps real implementations behind small, byte oriented APIs:
//
//   - [AEAD]: AES-256-GCM with an explicit 64-bit counter nonce, built on
//     the Noise framework's AESGCM cipher function
//   - [DHP384]: NIST P-384 ECDH exposed as a Noise DH function
//   - [KyberKeyPair], [KyberEncapsulate]: Kyber1024 key encapsulation
//   - [HMACSHA384], [SHA384]: keyed and unkeyed hashing
//
// # Key Schedule
//
// [KBKDF] expands a chaining key into purpose specific sub-keys with one
// byte usage labels. [Mix] absorbs Diffie-Hellman and KEM outputs into the
// chaining key. Every transcript starts from [ProtocolIdentity], the SHA-512
// of [ProtocolName], so keys from different protocol versions can never
// collide:
//
//	ck := crypto.SHA384(pi[:], responderStatic, initiatorEphemeral)
//	ck = crypto.Mix(ck[:], dh)
//	sendKey := crypto.KBKDF256(ck[:], crypto.LabelAESAliceToBob)
//
// # Replay Protection and Rekeying
//
// [ReplayWindow] accepts each packet counter at most once within a 16 entry
// out-of-order window. [RekeySchedule] decides when a key is due for
// renegotiation, by use count or by age plus random jitter, and when it has
// been used too often to be used again.
//
// # Time
//
// All timing decisions read from a [TimeProvider] so tests can drive them
// with a [ManualTimeProvider].
package crypto
