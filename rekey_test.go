package zssp

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/zssp/crypto"
	"github.com/opd-ai/zssp/limits"
	"github.com/opd-ai/zssp/noise"
	"github.com/opd-ai/zssp/packet"
)

func rekeyAfter(uses, expire uint64) func(*Options) {
	return func(o *Options) {
		o.Rekey = crypto.RekeyConfig{AfterUses: uses, ExpireUses: expire, AfterTime: time.Hour}
	}
}

func assertFlows(t *testing.T, l *link, label string) {
	t.Helper()
	require.NoError(t, l.alice.session.Send(l.alice.send, []byte(label+" a->b")))
	assert.Equal(t, [][]byte{[]byte(label + " a->b")}, dataResults(l.bob.deliver(t)))
	require.NoError(t, l.bob.session.Send(l.bob.send, []byte(label+" b->a")))
	assert.Equal(t, [][]byte{[]byte(label + " b->a")}, dataResults(l.alice.deliver(t)))
}

func TestRekeyAfterUses(t *testing.T) {
	for _, hybrid := range []bool{false, true} {
		name := "classical"
		if hybrid {
			name = "hybrid"
		}
		t.Run(name, func(t *testing.T) {
			l := newLink(t, func(o *Options) {
				rekeyAfter(3, 100)(o)
				o.Hybrid = hybrid
			})
			l.handshake(t)
			alice, bob := l.alice.session, l.bob.session

			// The handshake keepalive used counter 1; the third use starts a rekey.
			require.NoError(t, alice.Send(l.alice.send, []byte("one")))
			inbox := len(l.bob.inbox)
			require.NoError(t, alice.Send(l.alice.send, []byte("two")))
			assert.Greater(t, len(l.bob.inbox), inbox+1, "a key offer follows the data")

			assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, dataResults(l.bob.deliver(t)))
			require.NotEmpty(t, l.alice.inbox, "counter-offer")

			// Bob has not seen the new keys confirmed and still sends under the old ones.
			require.NoError(t, bob.Send(l.bob.send, []byte("in flight")))
			assert.Equal(t, [][]byte{[]byte("in flight")}, dataResults(l.alice.deliver(t)))
			assert.Equal(t, float64(1), testutil.ToFloat64(l.alice.metrics.Rekeys))

			// The keepalive under the new keys confirms them to bob.
			assert.Empty(t, l.bob.deliver(t))
			assert.Equal(t, float64(1), testutil.ToFloat64(l.bob.metrics.Rekeys))

			assertFlows(t, l, "after rekey")
			assert.Equal(t, noise.StateEstablished, alice.State())
			assert.Equal(t, noise.StateEstablished, bob.State())
			assert.Equal(t, hybrid, alice.Hybrid())
			assert.Equal(t, hybrid, bob.Hybrid())
			assert.Equal(t, noise.Initiator, alice.Role())
		})
	}
}

func TestRekeyPriorKeyLifetime(t *testing.T) {
	l := newLink(t, rekeyAfter(1000, 2000))
	l.handshake(t)

	require.NoError(t, l.alice.session.Rekey(l.alice.send))
	l.bob.deliver(t)

	// Two packets under the old keys are still in flight behind the counter-offer.
	require.NoError(t, l.bob.session.Send(l.bob.send, []byte("early")))
	require.NoError(t, l.bob.session.Send(l.bob.send, []byte("late")))
	require.Len(t, l.alice.inbox, 3)
	late := l.alice.inbox[2]
	l.alice.inbox = l.alice.inbox[:2]

	assert.Equal(t, [][]byte{[]byte("early")}, dataResults(l.alice.deliver(t)))
	l.bob.deliver(t)

	// Bob's first packet under the new keys confirms them to alice.
	require.NoError(t, l.bob.session.Send(l.bob.send, []byte("confirmed")))
	assert.Equal(t, [][]byte{[]byte("confirmed")}, dataResults(l.alice.deliver(t)))

	l.clock.Advance(l.alice.opts.PriorKeyLifetime + time.Second)
	require.NoError(t, l.alice.session.Service(l.alice.send))

	l.alice.inbox = append(l.alice.inbox, late)
	results := l.alice.deliver(t)
	require.Len(t, results, 1)
	assert.Equal(t, DropHeaderCheck, results[0].Dropped)
}

func TestRekeyLostKeepalive(t *testing.T) {
	l := newLink(t, nil)
	l.handshake(t)
	alice, bob := l.alice.session, l.bob.session

	require.NoError(t, alice.Rekey(l.alice.send))
	l.bob.deliver(t)
	l.alice.deliver(t)
	require.Len(t, l.bob.inbox, 1, "keepalive")
	l.bob.inbox = nil

	// Alice keeps the old keys past their lifetime while bob has not used
	// the new ones, and resends the keepalive.
	l.clock.Advance(l.alice.opts.PriorKeyLifetime + time.Second)
	require.NoError(t, alice.Service(l.alice.send))
	require.Len(t, l.bob.inbox, 1, "keepalive resent")

	require.NoError(t, bob.Send(l.bob.send, []byte("old keys")))
	assert.Equal(t, [][]byte{[]byte("old keys")}, dataResults(l.alice.deliver(t)))

	assert.Empty(t, l.bob.deliver(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(l.bob.metrics.Rekeys))
	assertFlows(t, l, "after resent keepalive")

	// Confirmed keys end the resends.
	l.clock.Advance(time.Minute)
	require.NoError(t, alice.Service(l.alice.send))
	assert.Empty(t, l.bob.inbox)
}

func TestRekeyAbandonedAfterLostKeepalives(t *testing.T) {
	l := newLink(t, func(o *Options) {
		o.Retry = RetryPolicy{Interval: time.Second, MaxAttempts: 2}
	})
	l.handshake(t)
	alice, bob := l.alice.session, l.bob.session

	require.NoError(t, alice.Rekey(l.alice.send))
	l.bob.deliver(t)
	l.alice.deliver(t)
	l.bob.inbox = nil

	// Every keepalive is lost until bob gives up on the pending keys.
	for i := 0; i < 10 && len(l.alice.inbox) == 0; i++ {
		l.clock.Advance(time.Second)
		require.NoError(t, alice.Service(l.alice.send))
		l.bob.inbox = nil
		require.NoError(t, bob.Service(l.bob.send))
	}
	require.NotEmpty(t, l.alice.inbox, "bob offers again under the old keys")

	for _, r := range l.pump(t) {
		assert.NotEqual(t, ResultDropped, r.Kind, r.Dropped.String())
	}
	assert.Equal(t, noise.Responder, alice.Role())
	assert.Equal(t, noise.Initiator, bob.Role())
	assertFlows(t, l, "after abandoned rekey")
}

func TestRekeyIsIdempotent(t *testing.T) {
	l := newLink(t, nil)
	l.handshake(t)

	require.NoError(t, l.alice.session.Rekey(l.alice.send))
	n := len(l.bob.inbox)
	require.NotZero(t, n)
	require.NoError(t, l.alice.session.Rekey(l.alice.send))
	assert.Len(t, l.bob.inbox, n, "no second offer while one is outstanding")
}

func TestRekeyAfterTime(t *testing.T) {
	l := newLink(t, func(o *Options) {
		o.Rekey = crypto.RekeyConfig{
			AfterUses:  limits.RekeyAfterUses,
			ExpireUses: limits.ExpireAfterUses,
			AfterTime:  time.Minute,
		}
	})
	l.handshake(t)

	l.clock.Advance(30 * time.Second)
	require.NoError(t, l.alice.session.Service(l.alice.send))
	assert.Empty(t, l.bob.inbox)

	l.clock.Advance(31 * time.Second)
	require.NoError(t, l.alice.session.Service(l.alice.send))
	require.NotEmpty(t, l.bob.inbox)

	l.pump(t)
	assert.Equal(t, float64(1), testutil.ToFloat64(l.alice.metrics.Rekeys))
	assert.Equal(t, float64(1), testutil.ToFloat64(l.bob.metrics.Rekeys))

	// The new keys carry a fresh schedule.
	require.NoError(t, l.alice.session.Service(l.alice.send))
	assert.Empty(t, l.bob.inbox)
	assertFlows(t, l, "after timed rekey")
}

func TestRekeySimultaneous(t *testing.T) {
	for i := 0; i < 4; i++ {
		l := newLink(t, nil)
		l.handshake(t)

		require.NoError(t, l.alice.session.Rekey(l.alice.send))
		require.NoError(t, l.bob.session.Rekey(l.bob.send))

		unexpected := 0
		for _, r := range l.pump(t) {
			if r.Kind == ResultDropped {
				assert.Equal(t, DropUnexpected, r.Dropped)
				unexpected++
			}
		}
		assert.Equal(t, 1, unexpected, "exactly one offer loses")

		alice := testutil.ToFloat64(l.alice.metrics.Rekeys)
		bob := testutil.ToFloat64(l.bob.metrics.Rekeys)
		assert.Equal(t, float64(1), alice)
		assert.Equal(t, float64(1), bob)
		assertFlows(t, l, "after collision")
	}
}

func TestRekeyDuplicateOffer(t *testing.T) {
	l := newLink(t, nil)
	l.handshake(t)

	require.NoError(t, l.alice.session.Rekey(l.alice.send))
	l.bob.inbox = append(l.bob.inbox, l.bob.inbox...)

	results := l.bob.deliver(t)
	require.Len(t, results, 1)
	assert.Equal(t, DropDuplicateOffer, results[0].Dropped)

	results = l.alice.deliver(t)
	require.Len(t, results, 1)
	assert.Equal(t, DropUnexpected, results[0].Dropped, "the resent counter-offer arrives after completion")

	l.bob.deliver(t)
	assertFlows(t, l, "after duplicate")
}

func TestKeyExhaustion(t *testing.T) {
	l := newLink(t, rekeyAfter(3, 4))
	l.handshake(t)
	s := l.alice.session

	// Counters 2 to 4 are usable; the rekey offer sent at 3 is never answered.
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Send(l.alice.send, []byte("x")))
	}
	assert.ErrorIs(t, s.Send(l.alice.send, []byte("x")), ErrKeysExhausted)
	assert.Equal(t, noise.StateClosed, s.State())
	assert.False(t, s.Established())
	assert.ErrorIs(t, s.Send(l.alice.send, []byte("x")), ErrSessionClosed)
}

func TestReceiveCounterBeyondExpiry(t *testing.T) {
	l := newLink(t, rekeyAfter(3, 4))
	l.handshake(t)
	bob := l.bob.session

	bob.mu.Lock()
	check := bob.current.check
	bob.mu.Unlock()

	h := packet.Header{SessionID: bob.ID(), Type: packet.TypeData, Counter: 5}
	datagrams, err := packet.Fragment(h, testMessage(limits.AEADTagSize), l.bob.opts.MTU, limits.MaxFragments, check)
	require.NoError(t, err)

	l.bob.inbox = append(l.bob.inbox, datagrams...)
	results := l.bob.deliver(t)
	require.Len(t, results, 1)
	assert.Equal(t, DropExpired, results[0].Dropped)
}
