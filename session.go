package zssp

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/zssp/crypto"
	"github.com/opd-ai/zssp/interfaces"
	"github.com/opd-ai/zssp/limits"
	"github.com/opd-ai/zssp/noise"
	"github.com/opd-ai/zssp/packet"
)

// SendFunc transmits one datagram to a session's peer.
type SendFunc func(datagram []byte) error

// handshakeReassemblies bounds partial handshake packets per session. They
// have their own buffer so spoofed handshake fragments cannot evict data.
const handshakeReassemblies = 4

// maxIDAttempts bounds the search for an unused local session ID.
const maxIDAttempts = 16

// Session is one secure channel between the local host and a peer.
//
// A Session starts no goroutines. The caller drives it with Send, Service
// and ReceiveContext.Receive, from any goroutine; a mutex serializes them.
type Session struct {
	mu sync.Mutex

	host interfaces.Host
	opts *Options
	cfg  *noise.Config

	id             packet.SessionID
	remoteID       packet.SessionID
	remoteStatic   *ecdh.PublicKey
	remoteIdentity []byte
	peerCheck      *packet.HeaderCheck

	state noise.State
	role  noise.HandshakeRole
	epoch uint64

	current     *keySet
	pending     *keySet
	prior       *keySet
	priorExpiry time.Time

	offer         *noise.Offer
	offerAttempts int
	offerSentAt   time.Time

	// Keepalives resent by a rekey initiator until the peer uses the new keys.
	keepalives  int
	keepaliveAt time.Time

	pendingSince     time.Time
	lastOfferHash    [crypto.HMACSize]byte
	lastCounterOffer [][]byte

	reassembler  *packet.Reassembler
	handshakes   *packet.Reassembler
	lastReceived time.Time
}

// NewSession starts a handshake with the peer whose static key is
// remoteStatic and returns the session in StateOfferSent. The session is
// added to table before the offer is sent, so the counter-offer is routed to
// it even when send delivers synchronously.
func NewSession(host interfaces.Host, table SessionTable, remoteStatic *ecdh.PublicKey, send SendFunc, opts *Options) (*Session, error) {
	if host == nil {
		return nil, ErrNilHost
	}
	if table == nil {
		return nil, fmt.Errorf("%w: nil session table", ErrInvalidOptions)
	}
	if remoteStatic == nil || remoteStatic.Curve() != ecdh.P384() {
		return nil, fmt.Errorf("%w: remote static key must be P-384", ErrInvalidOptions)
	}
	o, err := opts.validate()
	if err != nil {
		return nil, err
	}
	id, err := allocateID(table, o.Rand)
	if err != nil {
		return nil, err
	}
	s, err := newSession(host, o, id, remoteStatic, noise.Initiator)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.state = noise.StateOfferSent
	datagrams, err := s.newOffer()
	if err != nil {
		s.closeLocked()
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	table.Add(s)
	if err := sendAll(send, datagrams); err != nil {
		table.Remove(id)
		s.Close()
		return nil, err
	}

	s.logger("NewSession").WithField("hybrid", o.Hybrid).Info("Started handshake")
	return s, nil
}

func newSession(host interfaces.Host, opts *Options, id packet.SessionID, remoteStatic *ecdh.PublicKey, role noise.HandshakeRole) (*Session, error) {
	peerCheck, err := packet.NewHandshakeCheck(remoteStatic.Bytes())
	if err != nil {
		return nil, err
	}
	s := &Session{
		host:         host,
		opts:         opts,
		cfg:          opts.noiseConfig(host),
		id:           id,
		remoteStatic: remoteStatic,
		peerCheck:    peerCheck,
		role:         role,
		reassembler:  packet.NewReassembler(opts.MaxReassemblies, opts.ReassemblyTimeout),
		handshakes:   packet.NewReassembler(handshakeReassemblies, opts.ReassemblyTimeout),
	}
	s.reassembler.OnEvict = opts.Metrics.evicted
	s.handshakes.OnEvict = opts.Metrics.evicted
	return s, nil
}

func allocateID(table SessionTable, random io.Reader) (packet.SessionID, error) {
	if random == nil {
		random = rand.Reader
	}
	var b [8]byte
	for i := 0; i < maxIDAttempts; i++ {
		if _, err := io.ReadFull(random, b[2:]); err != nil {
			return 0, fmt.Errorf("session id: %w", err)
		}
		id := packet.SessionID(binary.BigEndian.Uint64(b[:]))
		if id.Valid() && (table == nil || table.Lookup(id) == nil) {
			return id, nil
		}
	}
	return 0, ErrSessionIDExhausted
}

func randomTag(random io.Reader) (uint32, error) {
	if random == nil {
		random = rand.Reader
	}
	var b [4]byte
	for {
		if _, err := io.ReadFull(random, b[:]); err != nil {
			return 0, fmt.Errorf("reassembly tag: %w", err)
		}
		if tag := binary.BigEndian.Uint32(b[:]); tag != 0 {
			return tag, nil
		}
	}
}

func sendAll(send SendFunc, datagrams [][]byte) error {
	for _, d := range datagrams {
		if err := send(d); err != nil {
			return fmt.Errorf("send datagram: %w", err)
		}
	}
	return nil
}

func (s *Session) logger(function string) *logrus.Entry {
	return crypto.NewPackageLogger("zssp", function).WithFields(logrus.Fields{
		"session_id": s.id.String(),
		"remote_id":  s.remoteID.String(),
	}).Entry()
}

// sendOffer replaces any outstanding offer with a fresh one and sends it.
func (s *Session) sendOffer(send SendFunc) error {
	datagrams, err := s.newOffer()
	if err != nil {
		return err
	}
	return sendAll(send, datagrams)
}

// newOffer builds a fresh offer and returns its datagrams. Offers before the
// first handshake are addressed to session 0; rekey offers go to the peer's
// session and bind the current ratchet secret.
func (s *Session) newOffer() ([][]byte, error) {
	now := s.opts.now()
	tag, err := randomTag(s.opts.Rand)
	if err != nil {
		return nil, err
	}
	h := packet.Header{Type: packet.TypeKeyOffer, Counter: tag}
	var ratchet *[crypto.HMACSize]byte
	if s.current != nil {
		h.SessionID = s.remoteID
		ratchet = &s.current.ratchet
	}

	offer, err := noise.NewOffer(s.cfg, s.remoteStatic, uint64(s.id), h.AssociatedData(), ratchet, now)
	if err != nil {
		return nil, err
	}
	datagrams, err := packet.Fragment(h, offer.Body(), s.opts.MTU, limits.KeyExchangeMaxFragments, s.peerCheck)
	if err != nil {
		offer.Wipe()
		return nil, fmt.Errorf("key offer does not fit mtu %d: %w", s.opts.MTU, err)
	}
	if s.offer != nil {
		s.offer.Wipe()
	}
	s.offer = offer
	s.offerAttempts++
	s.offerSentAt = now

	s.logger("sendOffer").WithFields(logrus.Fields{
		"attempt":   s.offerAttempts,
		"rekey":     ratchet != nil,
		"fragments": len(datagrams),
	}).Debug("Sending key offer")
	return datagrams, nil
}

// Send encrypts plaintext under the current key and transmits it. An empty
// plaintext is sent as a keepalive. Crossing the soft use limit starts a
// rekey; reaching the hard limit closes the session with ErrKeysExhausted.
func (s *Session) Send(send SendFunc, plaintext []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(send, plaintext)
}

func (s *Session) sendLocked(send SendFunc, plaintext []byte) error {
	if s.state == noise.StateClosed {
		return ErrSessionClosed
	}
	ks := s.current
	if ks == nil {
		return ErrSessionNotEstablished
	}
	if err := limits.ValidatePlaintext(plaintext, s.opts.MTU); err != nil {
		return err
	}
	counter, ok := ks.nextCounter()
	if !ok {
		s.logger("Send").WithField("uses", ks.sendUses).Error("Session key exhausted, closing session")
		s.closeLocked()
		return ErrKeysExhausted
	}

	h := packet.Header{SessionID: s.remoteID, Type: packet.TypeData, Counter: counter}
	body := ks.send.Seal(nil, uint64(counter), h.AssociatedData(), plaintext)
	datagrams, err := packet.Fragment(h, body, s.opts.MTU, limits.MaxFragments, ks.check)
	if err != nil {
		return err
	}
	if err := sendAll(send, datagrams); err != nil {
		return err
	}
	s.opts.Metrics.packet("out")

	if !s.rekeyBlocked() && ks.schedule.ShouldRekey(ks.sendUses, s.opts.now()) {
		return s.startRekey(send)
	}
	return nil
}

// unconfirmed reports whether the current keys came from a rekey this side
// initiated and the peer has not yet sent anything under them.
func (s *Session) unconfirmed() bool {
	return s.current != nil && s.prior != nil && s.current.recvUses == 0
}

// rekeyBlocked reports whether a rekey is in flight on either side. A new
// offer would bind a ratchet secret the peer may not share yet.
func (s *Session) rekeyBlocked() bool {
	return s.offer != nil || s.pending != nil || s.unconfirmed()
}

func (s *Session) startRekey(send SendFunc) error {
	s.logger("startRekey").WithFields(logrus.Fields{
		"uses": s.current.sendUses,
		"age":  s.current.schedule.Age(s.opts.now()).String(),
	}).Info("Starting rekey")
	s.offerAttempts = 0
	return s.sendOffer(send)
}

// Rekey starts a rekey now. It is a no-op while a rekey is in progress.
func (s *Session) Rekey(send SendFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == noise.StateClosed {
		return ErrSessionClosed
	}
	if s.current == nil {
		return ErrSessionNotEstablished
	}
	if s.rekeyBlocked() {
		return nil
	}
	return s.startRekey(send)
}

// Service performs timed work: retransmitting unanswered offers and
// unconfirmed keepalives, abandoning stale rekeys, starting time-based
// rekeys, retiring prior keys and evicting stale fragments. Call it
// periodically; limits.ServiceInterval is a good default.
func (s *Session) Service(send SendFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == noise.StateClosed {
		return ErrSessionClosed
	}
	now := s.opts.now()

	// Prior keys stay until the peer is known to use the current ones.
	if s.prior != nil && !s.unconfirmed() && !now.Before(s.priorExpiry) {
		s.prior.wipe()
		s.prior = nil
	}
	s.reassembler.Evict(now)
	s.handshakes.Evict(now)

	if s.unconfirmed() && s.keepalives < s.opts.Retry.MaxAttempts && now.Sub(s.keepaliveAt) >= s.opts.Retry.Interval {
		s.keepalives++
		s.keepaliveAt = now
		s.logger("Service").WithField("attempt", s.keepalives).Debug("Resending rekey keepalive")
		if err := s.sendLocked(send, nil); err != nil {
			return err
		}
	}

	// A pending set that outlives every keepalive retry of the peer was
	// never confirmed. Drop it and offer again under the current keys.
	if s.pending != nil && s.offer == nil && now.Sub(s.pendingSince) >= s.pendingTimeout() {
		s.logger("Service").Warn("Rekey never confirmed, offering again")
		s.pending.wipe()
		s.pending = nil
		s.lastCounterOffer = nil
		return s.startRekey(send)
	}

	if s.offer != nil {
		if now.Sub(s.offerSentAt) < s.opts.Retry.Interval {
			return nil
		}
		if s.current == nil && s.offerAttempts >= s.opts.Retry.MaxAttempts {
			s.logger("Service").WithField("attempts", s.offerAttempts).Warn("Handshake timed out")
			s.opts.Metrics.handshake(handshakeTimedOut)
			s.closeLocked()
			return ErrHandshakeTimedOut
		}
		return s.sendOffer(send)
	}

	if s.current != nil && !s.rekeyBlocked() && s.current.schedule.ShouldRekey(s.current.sendUses, now) {
		return s.startRekey(send)
	}
	return nil
}

// pendingTimeout is how long a rekey responder waits for the new keys to be
// used: the initial keepalive plus every resend, and one more interval.
func (s *Session) pendingTimeout() time.Duration {
	return s.opts.Retry.Interval * time.Duration(s.opts.Retry.MaxAttempts+1)
}

// Close destroys every key and stops the session. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.state == noise.StateClosed {
		return
	}
	s.current.wipe()
	s.pending.wipe()
	s.prior.wipe()
	s.current, s.pending, s.prior = nil, nil, nil
	if s.offer != nil {
		s.offer.Wipe()
		s.offer = nil
	}
	s.reassembler.Reset()
	s.handshakes.Reset()
	s.lastCounterOffer = nil
	s.state = noise.StateClosed
	s.logger("Close").Debug("Session closed")
}

// newKeys wraps handshake output in a key set with a fresh rekey schedule.
func (s *Session) newKeys(keys *noise.Keys, role noise.HandshakeRole) (*keySet, error) {
	schedule, err := crypto.NewRekeySchedule(s.opts.Rekey, s.opts.now(), s.opts.Rand)
	if err != nil {
		keys.Wipe()
		return nil, err
	}
	s.epoch++
	return newKeySet(keys, s.epoch, role, schedule)
}

// rotate makes ks current. The previous current set becomes the prior set
// until PriorKeyLifetime passes.
func (s *Session) rotate(ks *keySet) {
	if s.current != nil {
		s.prior.wipe()
		s.prior = s.current
		s.priorExpiry = s.opts.now().Add(s.opts.PriorKeyLifetime)
	}
	s.current = ks
	s.role = ks.role
}

func (s *Session) promotePending() {
	ks := s.pending
	s.pending = nil
	s.rotate(ks)
	s.lastCounterOffer = nil
	s.opts.Metrics.rekeyed()
	s.logger("promotePending").WithField("hybrid", ks.hybrid).Info("Rekey confirmed")
}

// keysFor selects the key set whose header check key produced dgram.
func (s *Session) keysFor(dgram []byte) *keySet {
	for _, ks := range []*keySet{s.current, s.pending, s.prior} {
		if ks != nil && ks.check.Verify(dgram) {
			return ks
		}
	}
	return nil
}

func (s *Session) drop(function string, reason DropReason) Result {
	s.logger(function).WithField("reason", reason.String()).Debug("Dropped packet")
	s.opts.Metrics.dropped(reason)
	return dropped(s, reason)
}

// receiveData authenticates and decrypts one data datagram.
func (s *Session) receiveData(h packet.Header, dgram []byte) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == noise.StateClosed {
		return s.drop("receiveData", DropClosed)
	}
	ks := s.keysFor(dgram)
	if ks == nil {
		return s.drop("receiveData", DropHeaderCheck)
	}
	if reason := ks.admit(h.Counter); reason != DropNone {
		return s.drop("receiveData", reason)
	}

	now := s.opts.now()
	key := packet.ReassemblyKey{SessionID: h.SessionID, Counter: h.Counter, Epoch: ks.epoch}
	body, complete, err := s.reassembler.Add(key, h, dgram[limits.HeaderSize:], now)
	if err != nil {
		return s.drop("receiveData", DropReassembly)
	}
	if !complete {
		return Result{Kind: ResultNone, Session: s}
	}
	if len(body) < limits.AEADTagSize {
		return s.drop("receiveData", DropMalformed)
	}
	plaintext, err := ks.recv.Open(nil, uint64(h.Counter), h.AssociatedData(), body)
	if err != nil {
		return s.drop("receiveData", DropAuthentication)
	}
	if !ks.window.Mark(uint64(h.Counter)) {
		return s.drop("receiveData", DropReplay)
	}
	if ks == s.current && s.unconfirmed() {
		// The peer switched; prior keys now only serve packets in flight.
		s.priorExpiry = now.Add(s.opts.PriorKeyLifetime)
		s.logger("receiveData").Debug("Rekey confirmed by peer")
	}
	ks.recvUses++
	s.lastReceived = now
	s.opts.Metrics.packet("in")

	if ks == s.pending {
		s.promotePending()
	}
	established := false
	if s.state == noise.StateOfferReceived && ks == s.current {
		s.state = noise.StateEstablished
		established = true
		s.logger("receiveData").Info("Session established")
	}

	if len(plaintext) == 0 {
		if established {
			return Result{Kind: ResultEstablished, Session: s}
		}
		return Result{Kind: ResultNone, Session: s}
	}
	return Result{Kind: ResultData, Session: s, Data: plaintext}
}

// receiveHandshake handles offers and counter-offers addressed to this
// session. The caller has verified the handshake header check.
func (s *Session) receiveHandshake(h packet.Header, dgram []byte, send SendFunc) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == noise.StateClosed {
		return s.drop("receiveHandshake", DropClosed), nil
	}
	key := packet.ReassemblyKey{SessionID: h.SessionID, Counter: h.Counter}
	body, complete, err := s.handshakes.Add(key, h, dgram[limits.HeaderSize:], s.opts.now())
	if err != nil {
		return s.drop("receiveHandshake", DropReassembly), nil
	}
	if !complete {
		return Result{Kind: ResultNone, Session: s}, nil
	}
	if h.Type == packet.TypeKeyCounterOffer {
		return s.handleCounterOffer(h, body, send)
	}
	return s.handleRekeyOffer(h, body, send)
}

func (s *Session) handleCounterOffer(h packet.Header, body []byte, send SendFunc) (Result, error) {
	if s.offer == nil {
		return s.drop("handleCounterOffer", DropUnexpected), nil
	}
	done, err := s.offer.Complete(h.AssociatedData(), body)
	if err != nil {
		s.logger("handleCounterOffer").WithError(err).Debug("Rejected counter-offer")
		s.opts.Metrics.handshake(handshakeRejected)
		return s.drop("handleCounterOffer", DropHandshake), nil
	}
	rekey := s.offer.Rekey()
	s.offer = nil
	s.offerAttempts = 0

	ks, err := s.newKeys(done.Keys, noise.Initiator)
	if err != nil {
		return Result{}, err
	}
	s.remoteID = packet.SessionID(done.RemoteID)
	s.rotate(ks)

	result := Result{Kind: ResultNone, Session: s}
	if rekey {
		s.keepalives = 0
		s.keepaliveAt = s.opts.now()
		s.opts.Metrics.rekeyed()
		s.logger("handleCounterOffer").WithField("hybrid", ks.hybrid).Info("Rekey complete")
	} else {
		s.remoteIdentity = done.RemoteIdentity
		s.state = noise.StateEstablished
		s.opts.Metrics.handshake(handshakeInitiated)
		s.logger("handleCounterOffer").WithField("hybrid", ks.hybrid).Info("Session established")
		result.Kind = ResultEstablished
	}

	// The keepalive confirms the new keys to the responder.
	return result, s.sendLocked(send, nil)
}

func (s *Session) handleRekeyOffer(h packet.Header, body []byte, send SendFunc) (Result, error) {
	if s.current == nil {
		return s.drop("handleRekeyOffer", DropUnexpected), nil
	}
	var hash [crypto.HMACSize]byte
	if len(body) >= limits.P384PublicKeySize {
		hash = crypto.SHA384(body[:limits.P384PublicKeySize])
		if s.lastCounterOffer != nil && hash == s.lastOfferHash {
			return s.drop("handleRekeyOffer", DropDuplicateOffer), sendAll(send, s.lastCounterOffer)
		}
	}

	received, err := s.readRekeyOffer(h, body, s.current)
	if err != nil && s.unconfirmed() && s.keepalives >= s.opts.Retry.MaxAttempts {
		// Every keepalive was lost and the peer gave up on our last rekey.
		// It offers under the keys before it, so fall back to them.
		if received, err = s.readRekeyOffer(h, body, s.prior); err == nil {
			s.logger("handleRekeyOffer").Info("Peer abandoned unconfirmed rekey, reverting keys")
			s.current.wipe()
			s.current = s.prior
			s.prior = nil
			s.role = s.current.role
		}
	}
	if err != nil {
		s.logger("handleRekeyOffer").WithError(err).Debug("Rejected rekey offer")
		s.opts.Metrics.handshake(handshakeRejected)
		return s.drop("handleRekeyOffer", DropHandshake), nil
	}

	// Both sides offered at once: the smaller ephemeral key wins and the
	// other side answers it.
	if s.offer != nil {
		if bytes.Compare(s.offer.Ephemeral(), received.Ephemeral()) < 0 {
			return s.drop("handleRekeyOffer", DropUnexpected), nil
		}
		s.offer.Wipe()
		s.offer = nil
	}

	tag, err := randomTag(s.opts.Rand)
	if err != nil {
		return Result{}, err
	}
	rh := packet.Header{SessionID: packet.SessionID(received.RemoteID()), Type: packet.TypeKeyCounterOffer, Counter: tag}
	reply, keys, err := received.Respond(uint64(s.id), rh.AssociatedData())
	if err != nil {
		return s.drop("handleRekeyOffer", DropHandshake), nil
	}
	ks, err := s.newKeys(keys, noise.Responder)
	if err != nil {
		return Result{}, err
	}
	datagrams, err := packet.Fragment(rh, reply, s.opts.MTU, limits.KeyExchangeMaxFragments, s.peerCheck)
	if err != nil {
		ks.wipe()
		return Result{}, err
	}
	s.pending.wipe()
	s.pending = ks
	s.pendingSince = s.opts.now()
	s.lastOfferHash = hash
	s.lastCounterOffer = datagrams

	s.logger("handleRekeyOffer").WithField("hybrid", ks.hybrid).Debug("Answered rekey offer")
	return Result{Kind: ResultNone, Session: s}, sendAll(send, datagrams)
}

func (s *Session) readRekeyOffer(h packet.Header, body []byte, ks *keySet) (*noise.ReceivedOffer, error) {
	return noise.ReadOffer(s.cfg, h.AssociatedData(), body, noise.OfferCheck{
		Ratchet:      &ks.ratchet,
		RemoteStatic: s.remoteStatic.Bytes(),
		Now:          s.opts.now(),
	})
}

// ID returns the local session ID, under which the peer addresses packets.
func (s *Session) ID() packet.SessionID {
	return s.id
}

// RemoteID returns the peer's session ID, or 0 before the handshake completes.
func (s *Session) RemoteID() packet.SessionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// State returns the handshake state.
func (s *Session) State() noise.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Established reports whether keys are installed and data can be sent.
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.state != noise.StateClosed
}

// Role returns the local role in the most recent completed handshake.
func (s *Session) Role() noise.HandshakeRole {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Hybrid reports whether the current keys came from a Kyber1024 exchange.
func (s *Session) Hybrid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.hybrid
}

// RemoteStatic returns the peer's static public key.
func (s *Session) RemoteStatic() *ecdh.PublicKey {
	return s.remoteStatic
}

// RemoteIdentity returns the peer's identity blob from the initial handshake.
func (s *Session) RemoteIdentity() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.remoteIdentity...)
}

// LastReceived returns when a packet last authenticated, for the caller's
// inactivity policy.
func (s *Session) LastReceived() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReceived
}
