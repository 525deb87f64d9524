package zssp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/zssp/crypto"
	"github.com/opd-ai/zssp/interfaces"
	"github.com/opd-ai/zssp/limits"
	"github.com/opd-ai/zssp/noise"
	"github.com/opd-ai/zssp/packet"
)

// cachedReply is the counter-offer sent for one initial offer, kept so a
// retransmitted offer gets the same answer instead of a second session.
type cachedReply struct {
	session   *Session
	datagrams [][]byte
	at        time.Time
}

// ReceiveContext is the inbound entry point for one local host. It routes
// datagrams to sessions through a caller-owned SessionTable and answers
// initial key offers, which arrive before any session exists.
type ReceiveContext struct {
	mu sync.Mutex

	host  interfaces.Host
	opts  *Options
	cfg   *noise.Config
	check *packet.HeaderCheck

	reassembler *packet.Reassembler
	offers      map[[crypto.HMACSize]byte]*cachedReply
	offerOrder  [][crypto.HMACSize]byte
}

// NewReceiveContext creates the receive context for host. Sessions it
// creates inherit opts.
func NewReceiveContext(host interfaces.Host, opts *Options) (*ReceiveContext, error) {
	if host == nil {
		return nil, ErrNilHost
	}
	o, err := opts.validate()
	if err != nil {
		return nil, err
	}
	check, err := packet.NewHandshakeCheck(host.StaticKey().PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	rc := &ReceiveContext{
		host:        host,
		opts:        o,
		cfg:         o.noiseConfig(host),
		check:       check,
		reassembler: packet.NewReassembler(o.MaxReassemblies, o.ReassemblyTimeout),
		offers:      make(map[[crypto.HMACSize]byte]*cachedReply),
	}
	rc.reassembler.OnEvict = o.Metrics.evicted
	return rc, nil
}

// Receive processes one inbound datagram from source. send transmits any
// reply (a counter-offer or keepalive) back to the same peer. Packets that
// fail validation are reported as ResultDropped with a nil error; the error
// is reserved for local failures such as a failing send.
//
// A ResultNewSession result carries a responder session, already added to
// table. The peer confirms it with its first data packet.
func (rc *ReceiveContext) Receive(table SessionTable, source net.Addr, datagram []byte, send SendFunc) (Result, error) {
	h, err := packet.DecodeHeader(datagram)
	if err != nil {
		if errors.Is(err, packet.ErrReservedType) {
			return rc.drop(nil, DropReservedType), nil
		}
		return rc.drop(nil, DropMalformed), nil
	}

	if h.Type.IsHandshake() {
		if !rc.check.Verify(datagram) {
			return rc.drop(nil, DropHeaderCheck), nil
		}
		if h.SessionID == 0 {
			if h.Type != packet.TypeKeyOffer {
				return rc.drop(nil, DropUnexpected), nil
			}
			return rc.receiveOffer(table, source, h, datagram, send)
		}
		s := table.Lookup(h.SessionID)
		if s == nil {
			return rc.drop(nil, DropUnknownSession), nil
		}
		return s.receiveHandshake(h, datagram, send)
	}

	var s *Session
	if h.SessionID != 0 {
		s = table.Lookup(h.SessionID)
	}
	if s == nil {
		return rc.drop(nil, DropUnknownSession), nil
	}
	return s.receiveData(h, datagram), nil
}

func (rc *ReceiveContext) drop(s *Session, reason DropReason) Result {
	crypto.NewPackageLogger("zssp", "Receive").WithField("reason", reason.String()).Debug("Dropped packet")
	rc.opts.Metrics.dropped(reason)
	return dropped(s, reason)
}

func sourceKey(source net.Addr) string {
	if source == nil {
		return ""
	}
	return source.String()
}

// receiveOffer answers an initial key offer with a counter-offer and a new
// responder session.
func (rc *ReceiveContext) receiveOffer(table SessionTable, source net.Addr, h packet.Header, datagram []byte, send SendFunc) (Result, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	now := rc.opts.now()
	key := packet.ReassemblyKey{Source: sourceKey(source), Counter: h.Counter}
	body, complete, err := rc.reassembler.Add(key, h, datagram[limits.HeaderSize:], now)
	if err != nil {
		return rc.drop(nil, DropReassembly), nil
	}
	if !complete {
		return Result{Kind: ResultNone}, nil
	}
	if len(body) < limits.P384PublicKeySize {
		return rc.drop(nil, DropMalformed), nil
	}

	hash := crypto.SHA384(body[:limits.P384PublicKeySize])
	if c, ok := rc.offers[hash]; ok {
		return rc.drop(c.session, DropDuplicateOffer), sendAll(send, c.datagrams)
	}

	logger := crypto.NewPackageLogger("zssp", "receiveOffer").WithField("source", sourceKey(source)).Entry()

	received, err := noise.ReadOffer(rc.cfg, h.AssociatedData(), body, noise.OfferCheck{Now: now})
	if err != nil {
		logger.WithError(err).Debug("Rejected key offer")
		rc.opts.Metrics.handshake(handshakeRejected)
		return rc.drop(nil, DropHandshake), nil
	}

	id, err := allocateID(table, rc.opts.Rand)
	if err != nil {
		return Result{}, err
	}
	s, err := newSession(rc.host, rc.opts, id, received.RemoteStatic(), noise.Responder)
	if err != nil {
		return Result{}, err
	}
	tag, err := randomTag(rc.opts.Rand)
	if err != nil {
		return Result{}, err
	}
	rh := packet.Header{SessionID: packet.SessionID(received.RemoteID()), Type: packet.TypeKeyCounterOffer, Counter: tag}
	reply, keys, err := received.Respond(uint64(id), rh.AssociatedData())
	if err != nil {
		logger.WithError(err).Debug("Could not answer key offer")
		rc.opts.Metrics.handshake(handshakeRejected)
		return rc.drop(nil, DropHandshake), nil
	}
	ks, err := s.newKeys(keys, noise.Responder)
	if err != nil {
		return Result{}, err
	}
	datagrams, err := packet.Fragment(rh, reply, rc.opts.MTU, limits.KeyExchangeMaxFragments, s.peerCheck)
	if err != nil {
		ks.wipe()
		return Result{}, fmt.Errorf("counter-offer does not fit mtu %d: %w", rc.opts.MTU, err)
	}

	s.mu.Lock()
	s.remoteID = rh.SessionID
	s.remoteIdentity = received.RemoteIdentity()
	s.rotate(ks)
	s.state = noise.StateOfferReceived
	s.mu.Unlock()

	// The initiator's keepalive may come back before send returns.
	table.Add(s)
	rc.remember(hash, &cachedReply{session: s, datagrams: datagrams, at: now})
	rc.opts.Metrics.handshake(handshakeAccepted)
	logger.WithFields(logrus.Fields{
		"session_id": id.String(),
		"remote_id":  rh.SessionID.String(),
		"hybrid":     ks.hybrid,
	}).Info("Accepted key offer")

	return Result{Kind: ResultNewSession, Session: s}, sendAll(send, datagrams)
}

func (rc *ReceiveContext) remember(hash [crypto.HMACSize]byte, reply *cachedReply) {
	for len(rc.offerOrder) >= rc.opts.OfferCacheSize {
		delete(rc.offers, rc.offerOrder[0])
		rc.offerOrder = rc.offerOrder[1:]
	}
	rc.offers[hash] = reply
	rc.offerOrder = append(rc.offerOrder, hash)
}

// Service evicts stale handshake fragments and forgets answered offers
// older than limits.HandshakeMaxAge, which could no longer be accepted.
func (rc *ReceiveContext) Service() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	now := rc.opts.now()
	rc.reassembler.Evict(now)

	n := 0
	for _, hash := range rc.offerOrder {
		if now.Sub(rc.offers[hash].at) < limits.HandshakeMaxAge {
			break
		}
		delete(rc.offers, hash)
		n++
	}
	rc.offerOrder = rc.offerOrder[n:]
}

// PendingOffers returns how many answered offers are remembered.
func (rc *ReceiveContext) PendingOffers() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.offers)
}
