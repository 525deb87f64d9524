// Package noise implements the session handshake: a Noise_IKpsk2 style
// exchange over NIST P-384, optionally hybridized with a Kyber1024 key
// encapsulation.
//
// The handshake is one round trip. The initiator knows the responder's static
// key in advance:
//
//	Initiator                                  Responder
//	---------                                  ---------
//	-> e, es, s, ss, [kyber pk]      (INITIAL_KEY_OFFER)
//	                                 <- e, ee, se, [kyber ct], psk  (KEY_COUNTER_OFFER)
//
// Every step is absorbed into a 48 byte chaining key with HMAC-SHA384. Each
// message ends with an HMAC over the header associated data, the ephemeral
// key and the ciphertext, keyed from the chaining key, so a message that
// decrypts but was built from a different transcript is still rejected.
//
// The output is a set of [Keys]: one AES-256-GCM key per direction, the
// header check key for data packets, and a ratchet secret that the next
// rekey handshake binds into its transcript. Rekey handshakes skip identity
// and signature because the ratchet already proves knowledge of the
// authenticated session.
//
// # Usage
//
//	// initiator
//	offer, err := noise.NewOffer(cfg, peerStatic, localID, ad, nil, now)
//	send(offer.Body())
//	...
//	done, err := offer.Complete(counterAD, counterBody)
//
//	// responder
//	received, err := noise.ReadOffer(cfg, ad, body, noise.OfferCheck{Now: now})
//	reply, keys, err := received.Respond(localID, counterAD)
//
// The package holds no goroutines and no global state; the caller owns
// packet framing, retransmission and session bookkeeping.
package noise
