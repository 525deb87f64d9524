package zssp

import (
	"github.com/opd-ai/zssp/crypto"
	"github.com/opd-ai/zssp/noise"
	"github.com/opd-ai/zssp/packet"
)

// keySet is everything derived from one handshake. A session holds up to
// three: the current set, a pending set awaiting confirmation, and the prior
// set kept briefly for packets in flight during a rekey.
type keySet struct {
	epoch  uint64
	role   noise.HandshakeRole
	hybrid bool

	send  *crypto.AEAD
	recv  *crypto.AEAD
	check *packet.HeaderCheck

	ratchet [crypto.HMACSize]byte

	sendUses uint64
	recvUses uint64
	window   crypto.ReplayWindow
	schedule crypto.RekeySchedule
}

// newKeySet takes ownership of keys and wipes them.
func newKeySet(keys *noise.Keys, epoch uint64, role noise.HandshakeRole, schedule crypto.RekeySchedule) (*keySet, error) {
	defer keys.Wipe()
	check, err := packet.NewHeaderCheck(keys.HeaderCheck)
	if err != nil {
		return nil, err
	}
	return &keySet{
		epoch:    epoch,
		role:     role,
		hybrid:   keys.Hybrid,
		send:     crypto.NewAEAD(keys.Send),
		recv:     crypto.NewAEAD(keys.Receive),
		check:    check,
		ratchet:  keys.Ratchet,
		schedule: schedule,
	}, nil
}

// nextCounter reserves the next send counter. Counters start at 1 and are
// never reused; ok is false once the key reached its hard use limit.
func (ks *keySet) nextCounter() (counter uint32, ok bool) {
	if ks.schedule.Expired(ks.sendUses) {
		return 0, false
	}
	ks.sendUses++
	return uint32(ks.sendUses), true
}

// admit checks a received counter against the key's hard limit and replay
// window without recording it.
func (ks *keySet) admit(counter uint32) DropReason {
	switch c := uint64(counter); {
	case c > ks.schedule.ExpireUses:
		return DropExpired
	case !ks.window.Check(c):
		return DropReplay
	}
	return DropNone
}

func (ks *keySet) wipe() {
	if ks == nil {
		return
	}
	crypto.WipeSecret(&ks.ratchet)
	ks.send, ks.recv, ks.check = nil, nil, nil
}
