package noise

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/zssp/crypto"
	"github.com/opd-ai/zssp/interfaces"
	"github.com/opd-ai/zssp/limits"
)

var (
	// ErrMalformedHandshake indicates a handshake message that cannot be parsed
	ErrMalformedHandshake = errors.New("malformed handshake message")
	// ErrHandshakeAuthFailed indicates a handshake message failed decryption or its HMAC
	ErrHandshakeAuthFailed = errors.New("handshake authentication failed")
	// ErrStaleOffer indicates an offer timestamp outside the accepted window
	ErrStaleOffer = errors.New("key offer timestamp outside accepted window")
	// ErrIdentityRejected indicates the peer's identity or signature was not accepted
	ErrIdentityRejected = errors.New("peer identity rejected")
	// ErrHybridRequired indicates a classical handshake where hybrid mode is mandatory
	ErrHybridRequired = errors.New("hybrid key exchange required")
	// ErrUnexpectedStatic indicates a rekey offer from a static key other than the session peer's
	ErrUnexpectedStatic = errors.New("unexpected peer static key")
	// ErrTimestampMismatch indicates a counter-offer that does not echo our offer
	ErrTimestampMismatch = errors.New("counter-offer does not match offer")
)

// HandshakeRole defines whether we're initiating or responding to a handshake
type HandshakeRole uint8

const (
	// Initiator sends the key offer (Alice); it knows the peer's static key
	Initiator HandshakeRole = iota
	// Responder answers with a counter-offer (Bob)
	Responder
)

// String returns the role name.
func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// State is the handshake progress of a session.
type State uint8

const (
	// StateIdle means no handshake has been attempted
	StateIdle State = iota
	// StateOfferSent means an offer is outstanding and no keys are installed yet
	StateOfferSent
	// StateOfferReceived means a counter-offer was sent and the responder awaits confirmation
	StateOfferReceived
	// StateEstablished means keys are installed and data can flow
	StateEstablished
	// StateClosed means the session is terminated and its keys destroyed
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

const (
	ephemeralSize = limits.P384PublicKeySize
	tagSize       = crypto.HMACSize
	minBodySize   = ephemeralSize + limits.AEADTagSize + tagSize
)

// Config carries what both sides of a handshake need.
type Config struct {
	Host interfaces.Host
	// PresharedKey is mixed into every handshake. Nil means 32 zero bytes.
	PresharedKey []byte
	// Hybrid offers (initiator) or accepts (responder) a Kyber1024 exchange.
	Hybrid bool
	// RequireHybrid rejects handshakes that did not use Kyber1024.
	RequireHybrid bool
	// Random is the entropy source, crypto/rand if nil.
	Random io.Reader
}

func (c *Config) random() io.Reader {
	if c.Random == nil {
		return rand.Reader
	}
	return c.Random
}

func (c *Config) psk() []byte {
	if len(c.PresharedKey) == 0 {
		return make([]byte, 32)
	}
	return c.PresharedKey
}

// Keys is the result of a completed handshake.
type Keys struct {
	Send        [32]byte
	Receive     [32]byte
	HeaderCheck [32]byte
	Ratchet     [crypto.HMACSize]byte
	Hybrid      bool
}

// Wipe zeroes every key.
func (k *Keys) Wipe() {
	crypto.WipeKey(&k.Send)
	crypto.WipeKey(&k.Receive)
	crypto.WipeKey(&k.HeaderCheck)
	crypto.WipeSecret(&k.Ratchet)
}

// deriveKeys expands the final chaining key into directional keys.
func deriveKeys(ck []byte, role HandshakeRole, hybrid bool) *Keys {
	k := &Keys{Hybrid: hybrid}
	aToB := crypto.KBKDF256(ck, crypto.LabelAESAliceToBob)
	bToA := crypto.KBKDF256(ck, crypto.LabelAESBobToAlice)
	if role == Initiator {
		k.Send, k.Receive = aToB, bToA
	} else {
		k.Send, k.Receive = bToA, aToB
	}
	k.HeaderCheck = crypto.KBKDF256(ck, crypto.LabelHeaderCheck)
	k.Ratchet = crypto.KBKDF(ck, crypto.LabelRatchet)
	return k
}

// initialChainingKey starts the transcript for an offer from ephemeral to
// the holder of responderStatic. A rekey binds the previous session's
// ratchet secret.
func initialChainingKey(responderStatic, ephemeral []byte, ratchet *[crypto.HMACSize]byte) chainingKey {
	pi := crypto.ProtocolIdentity()
	ck := chainingKey(crypto.SHA384(pi[:], responderStatic, ephemeral))
	if ratchet != nil {
		ck.mix(ratchet[:])
	}
	return ck
}

// chainingKey accumulates every secret of the handshake transcript.
type chainingKey [crypto.HMACSize]byte

// mixDH absorbs a Diffie-Hellman result. It takes the DH call's error so
// calls can be written ck.mixDH(dh(...)).
func (ck *chainingKey) mixDH(secret []byte, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}
	ck.mix(secret)
	crypto.ZeroBytes(secret)
	return nil
}

func (ck *chainingKey) mix(ikm []byte) {
	*ck = crypto.Mix(ck[:], ikm)
}

// mixKEM absorbs the Kyber1024 shared secret, or marks the transcript
// classical when there is none.
func (ck *chainingKey) mixKEM(hybrid bool, secret []byte) {
	if hybrid {
		*ck = crypto.KBKDF(ck[:], crypto.LabelHybrid, secret)
	} else {
		*ck = crypto.KBKDF(ck[:], crypto.LabelClassical)
	}
}

func (ck *chainingKey) wipe() {
	crypto.ZeroBytes(ck[:])
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func transcriptTag(ck []byte, ad, ephemeral, ct []byte) [crypto.HMACSize]byte {
	authKey := crypto.KBKDF(ck, crypto.LabelHMACAuth)
	defer crypto.WipeSecret(&authKey)
	return crypto.HMACSHA384(authKey[:], ad, ephemeral, ct)
}

func offerSignedHash(ephemeral, initiatorStatic, responderStatic []byte) [crypto.HMACSize]byte {
	pi := crypto.ProtocolIdentity()
	return crypto.SHA384(pi[:], []byte("offer"), ephemeral, initiatorStatic, responderStatic)
}

func counterSignedHash(ephemeralB, ephemeralA, responderStatic, initiatorStatic []byte) [crypto.HMACSize]byte {
	pi := crypto.ProtocolIdentity()
	return crypto.SHA384(pi[:], []byte("counter"), ephemeralB, ephemeralA, responderStatic, initiatorStatic)
}

func splitBody(body []byte) (ephemeral, ct, tag []byte, err error) {
	if len(body) < minBodySize {
		return nil, nil, nil, fmt.Errorf("%w: body of %d bytes", ErrMalformedHandshake, len(body))
	}
	return body[:ephemeralSize], body[ephemeralSize : len(body)-tagSize], body[len(body)-tagSize:], nil
}

func timestampMillis(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}

// Offer is an outstanding key offer held by the initiator until the
// counter-offer arrives.
type Offer struct {
	cfg          *Config
	ephemeral    noise.DHKey
	kyber        *crypto.KyberKeyPair
	remoteStatic *ecdh.PublicKey
	ck           chainingKey
	sessionID    uint64
	timestamp    uint64
	rekey        bool
	body         []byte
}

// NewOffer builds a key offer to remoteStatic. ad is the associated data of
// the offer's packet header. ratchet is nil for an initial handshake and the
// current ratchet secret for a rekey, in which case the offer carries no
// identity or signature.
func NewOffer(cfg *Config, remoteStatic *ecdh.PublicKey, localSessionID uint64, ad []byte, ratchet *[crypto.HMACSize]byte, now time.Time) (*Offer, error) {
	logger := crypto.NewPackageLogger("noise", "NewOffer")

	ephemeral, err := crypto.DHP384.GenerateKeypair(cfg.random())
	if err != nil {
		return nil, err
	}
	o := &Offer{
		cfg:          cfg,
		ephemeral:    ephemeral,
		remoteStatic: remoteStatic,
		sessionID:    localSessionID,
		timestamp:    timestampMillis(now),
		rekey:        ratchet != nil,
	}
	if cfg.Hybrid {
		o.kyber, err = crypto.GenerateKyberKeyPair(cfg.random())
		if err != nil {
			return nil, err
		}
	}

	sB := remoteStatic.Bytes()
	sA := cfg.Host.StaticKey().PublicKey().Bytes()
	ck := initialChainingKey(sB, ephemeral.Public, ratchet)

	// es
	if err := ck.mixDH(crypto.DHP384.DH(ephemeral.Private, sB)); err != nil {
		return nil, err
	}
	kOffer := crypto.KBKDF256(ck[:], crypto.LabelOfferKey)
	defer crypto.WipeKey(&kOffer)

	payload := &offerPayload{
		hybrid:    cfg.Hybrid,
		rekey:     o.rekey,
		sessionID: localSessionID,
		timestamp: o.timestamp,
		static:    sA,
	}
	if !o.rekey {
		h := offerSignedHash(ephemeral.Public, sA, sB)
		payload.identity = cfg.Host.Identity()
		payload.signature, err = cfg.Host.Sign(h[:])
		if err != nil {
			return nil, fmt.Errorf("sign offer: %w", err)
		}
	}
	if cfg.Hybrid {
		payload.kyberPublic = o.kyber.Public
	}
	plaintext, err := payload.marshal()
	if err != nil {
		return nil, err
	}

	// ss
	if err := ck.mixDH(crypto.StaticAgree(cfg.Host.StaticKey(), sB)); err != nil {
		return nil, err
	}
	ct := crypto.NewAEAD(kOffer).Seal(nil, 0, concat(ad, ephemeral.Public), plaintext)
	tag := transcriptTag(ck[:], ad, ephemeral.Public, ct)

	o.ck = ck
	o.body = concat(ephemeral.Public, ct, tag[:])

	logger.WithFields(logrus.Fields{
		"hybrid":     cfg.Hybrid,
		"rekey":      o.rekey,
		"session_id": localSessionID,
		"body_size":  len(o.body),
	}).Debug("Created key offer")
	return o, nil
}

// Body returns the encoded offer body to place after the packet header.
func (o *Offer) Body() []byte {
	return o.body
}

// Ephemeral returns the offer's ephemeral public key.
func (o *Offer) Ephemeral() []byte {
	return o.ephemeral.Public
}

// Rekey reports whether this offer renegotiates an existing session.
func (o *Offer) Rekey() bool {
	return o.rekey
}

// Wipe destroys the offer's secrets. The offer cannot complete afterwards.
func (o *Offer) Wipe() {
	crypto.ZeroBytes(o.ephemeral.Private)
	o.ck.wipe()
	o.kyber = nil
}

// Completion is what the initiator learns from a counter-offer.
type Completion struct {
	Keys           *Keys
	RemoteID       uint64
	RemoteIdentity []byte
}

// Complete processes the counter-offer answering o. ad is the associated
// data of the counter-offer's header.
func (o *Offer) Complete(ad, body []byte) (*Completion, error) {
	logger := crypto.NewPackageLogger("noise", "Complete")

	eB, ct, tag, err := splitBody(body)
	if err != nil {
		return nil, err
	}
	sA := o.cfg.Host.StaticKey().PublicKey().Bytes()
	sB := o.remoteStatic.Bytes()
	ck := o.ck

	// ee, se
	if err := ck.mixDH(crypto.DHP384.DH(o.ephemeral.Private, eB)); err != nil {
		return nil, err
	}
	if err := ck.mixDH(crypto.StaticAgree(o.cfg.Host.StaticKey(), eB)); err != nil {
		return nil, err
	}
	kCounter := crypto.KBKDF256(ck[:], crypto.LabelCounterOfferKey)
	defer crypto.WipeKey(&kCounter)

	plaintext, err := crypto.NewAEAD(kCounter).Open(nil, 0, concat(ad, eB), ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeAuthFailed, err)
	}
	p, err := parseCounterPayload(plaintext)
	if err != nil {
		return nil, err
	}
	if p.timestamp != o.timestamp || p.rekey != o.rekey {
		return nil, ErrTimestampMismatch
	}
	if p.hybrid && o.kyber == nil {
		return nil, fmt.Errorf("%w: unsolicited kyber ciphertext", ErrMalformedHandshake)
	}
	if !p.hybrid && o.cfg.RequireHybrid {
		return nil, ErrHybridRequired
	}

	var kemSecret []byte
	if p.hybrid {
		kemSecret, err = o.kyber.Decapsulate(p.kyberCText)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshakeAuthFailed, err)
		}
		defer crypto.ZeroBytes(kemSecret)
	}
	ck.mixKEM(p.hybrid, kemSecret)
	ck.mix(o.cfg.psk())

	expected := transcriptTag(ck[:], ad, eB, ct)
	if !crypto.EqualMAC(expected[:], tag) {
		return nil, ErrHandshakeAuthFailed
	}

	if !o.rekey {
		h := counterSignedHash(eB, o.ephemeral.Public, sB, sA)
		if !o.cfg.Host.Verify(p.identity, o.remoteStatic, h[:], p.signature) {
			return nil, ErrIdentityRejected
		}
	}

	keys := deriveKeys(ck[:], Initiator, p.hybrid)
	ck.wipe()
	o.Wipe()

	logger.WithFields(logrus.Fields{
		"hybrid":    p.hybrid,
		"rekey":     p.rekey,
		"remote_id": p.sessionID,
	}).Debug("Counter-offer accepted")

	return &Completion{Keys: keys, RemoteID: p.sessionID, RemoteIdentity: p.identity}, nil
}

// ReceivedOffer is an authenticated key offer awaiting a counter-offer.
type ReceivedOffer struct {
	cfg          *Config
	ck           chainingKey
	ephemeral    []byte
	remoteStatic *ecdh.PublicKey
	payload      *offerPayload
}

// OfferCheck describes what a responder expects of an inbound offer.
type OfferCheck struct {
	// Ratchet is the session's ratchet secret for a rekey offer, nil otherwise.
	Ratchet *[crypto.HMACSize]byte
	// RemoteStatic, when set, is the only static key a rekey offer may carry.
	RemoteStatic []byte
	Now          time.Time
}

// ReadOffer authenticates a key offer addressed to the local host. ad is
// the associated data of the offer's header.
func ReadOffer(cfg *Config, ad, body []byte, check OfferCheck) (*ReceivedOffer, error) {
	eA, ct, tag, err := splitBody(body)
	if err != nil {
		return nil, err
	}
	sk := cfg.Host.StaticKey()
	sB := sk.PublicKey().Bytes()
	ck := initialChainingKey(sB, eA, check.Ratchet)

	// es
	if err := ck.mixDH(crypto.StaticAgree(sk, eA)); err != nil {
		return nil, err
	}
	kOffer := crypto.KBKDF256(ck[:], crypto.LabelOfferKey)
	defer crypto.WipeKey(&kOffer)

	plaintext, err := crypto.NewAEAD(kOffer).Open(nil, 0, concat(ad, eA), ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeAuthFailed, err)
	}
	p, err := parseOfferPayload(plaintext)
	if err != nil {
		return nil, err
	}
	remote, err := crypto.ParseP384PublicKey(p.static)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
	}

	// ss
	if err := ck.mixDH(crypto.StaticAgree(sk, p.static)); err != nil {
		return nil, err
	}
	expected := transcriptTag(ck[:], ad, eA, ct)
	if !crypto.EqualMAC(expected[:], tag) {
		return nil, ErrHandshakeAuthFailed
	}

	if p.rekey != (check.Ratchet != nil) {
		return nil, fmt.Errorf("%w: rekey flag does not match routing", ErrMalformedHandshake)
	}
	if check.RemoteStatic != nil && !bytes.Equal(check.RemoteStatic, p.static) {
		return nil, ErrUnexpectedStatic
	}
	if err := checkFreshness(p.timestamp, check.Now); err != nil {
		return nil, err
	}
	if !p.hybrid && cfg.RequireHybrid {
		return nil, ErrHybridRequired
	}
	if !p.rekey {
		h := offerSignedHash(eA, p.static, sB)
		if !cfg.Host.Verify(p.identity, remote, h[:], p.signature) {
			return nil, ErrIdentityRejected
		}
	}

	return &ReceivedOffer{
		cfg:          cfg,
		ck:           ck,
		ephemeral:    append([]byte(nil), eA...),
		remoteStatic: remote,
		payload:      p,
	}, nil
}

func checkFreshness(ts uint64, now time.Time) error {
	sent := time.UnixMilli(int64(ts))
	if sent.Before(now.Add(-limits.HandshakeMaxAge)) || sent.After(now.Add(limits.HandshakeMaxFutureDrift)) {
		return fmt.Errorf("%w: sent %s, now %s", ErrStaleOffer, sent.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}
	return nil
}

// RemoteStatic returns the initiator's static public key.
func (r *ReceivedOffer) RemoteStatic() *ecdh.PublicKey { return r.remoteStatic }

// RemoteIdentity returns the initiator's identity blob. It is empty for rekeys.
func (r *ReceivedOffer) RemoteIdentity() []byte { return r.payload.identity }

// RemoteID returns the initiator's session ID, which addresses the counter-offer.
func (r *ReceivedOffer) RemoteID() uint64 { return r.payload.sessionID }

// Ephemeral returns the initiator's ephemeral public key.
func (r *ReceivedOffer) Ephemeral() []byte { return r.ephemeral }

// Rekey reports whether the offer renegotiates an existing session.
func (r *ReceivedOffer) Rekey() bool { return r.payload.rekey }

// Hybrid reports whether the answer will use the Kyber1024 exchange.
func (r *ReceivedOffer) Hybrid() bool { return r.payload.hybrid && r.cfg.Hybrid }

// Respond builds the counter-offer body and derives the session keys. ad is
// the associated data of the counter-offer's header.
func (r *ReceivedOffer) Respond(localSessionID uint64, ad []byte) ([]byte, *Keys, error) {
	logger := crypto.NewPackageLogger("noise", "Respond")

	ephemeral, err := crypto.DHP384.GenerateKeypair(r.cfg.random())
	if err != nil {
		return nil, nil, err
	}
	defer crypto.ZeroBytes(ephemeral.Private)

	sA := r.remoteStatic.Bytes()
	sB := r.cfg.Host.StaticKey().PublicKey().Bytes()
	ck := r.ck

	// ee, se
	if err := ck.mixDH(crypto.DHP384.DH(ephemeral.Private, r.ephemeral)); err != nil {
		return nil, nil, err
	}
	if err := ck.mixDH(crypto.DHP384.DH(ephemeral.Private, sA)); err != nil {
		return nil, nil, err
	}
	kCounter := crypto.KBKDF256(ck[:], crypto.LabelCounterOfferKey)
	defer crypto.WipeKey(&kCounter)

	hybrid := r.Hybrid()
	payload := &counterPayload{
		hybrid:    hybrid,
		rekey:     r.payload.rekey,
		sessionID: localSessionID,
		timestamp: r.payload.timestamp,
	}
	var kemSecret []byte
	if hybrid {
		payload.kyberCText, kemSecret, err = crypto.KyberEncapsulate(r.payload.kyberPublic)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrMalformedHandshake, err)
		}
		defer crypto.ZeroBytes(kemSecret)
	}
	if !r.payload.rekey {
		h := counterSignedHash(ephemeral.Public, r.ephemeral, sB, sA)
		payload.identity = r.cfg.Host.Identity()
		payload.signature, err = r.cfg.Host.Sign(h[:])
		if err != nil {
			return nil, nil, fmt.Errorf("sign counter-offer: %w", err)
		}
	}
	plaintext, err := payload.marshal()
	if err != nil {
		return nil, nil, err
	}
	ct := crypto.NewAEAD(kCounter).Seal(nil, 0, concat(ad, ephemeral.Public), plaintext)

	ck.mixKEM(hybrid, kemSecret)
	ck.mix(r.cfg.psk())
	tag := transcriptTag(ck[:], ad, ephemeral.Public, ct)

	keys := deriveKeys(ck[:], Responder, hybrid)
	ck.wipe()
	r.ck.wipe()

	logger.WithFields(logrus.Fields{
		"hybrid":     hybrid,
		"rekey":      r.payload.rekey,
		"session_id": localSessionID,
		"remote_id":  r.payload.sessionID,
	}).Debug("Created counter-offer")

	return concat(ephemeral.Public, ct, tag[:]), keys, nil
}
