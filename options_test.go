package zssp

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/zssp/crypto"
	"github.com/opd-ai/zssp/identity"
	"github.com/opd-ai/zssp/limits"
	"github.com/opd-ai/zssp/noise"
	"github.com/opd-ai/zssp/packet"
)

func TestNewOptions(t *testing.T) {
	o := NewOptions()
	assert.Equal(t, limits.DefaultMTU, o.MTU)
	assert.True(t, o.Hybrid)
	assert.False(t, o.RequireHybrid)
	assert.Equal(t, crypto.DefaultRekeyConfig(), o.Rekey)
	assert.Equal(t, DefaultRetryInterval, o.Retry.Interval)
	assert.Equal(t, DefaultRetryAttempts, o.Retry.MaxAttempts)
	assert.Less(t, limits.ServiceInterval, o.Retry.Interval, "service runs often enough to drive retries")

	v, err := o.validate()
	require.NoError(t, err)
	assert.NotSame(t, o, v, "validate returns a copy")
}

func TestOptionsValidateDefaults(t *testing.T) {
	v, err := (&Options{}).validate()
	require.NoError(t, err)
	d := NewOptions()
	assert.Equal(t, d.MTU, v.MTU)
	assert.Equal(t, d.Retry, v.Retry)
	assert.Equal(t, d.Rekey, v.Rekey)
	assert.Equal(t, d.PriorKeyLifetime, v.PriorKeyLifetime)
	assert.Equal(t, d.ReassemblyTimeout, v.ReassemblyTimeout)
	assert.Equal(t, d.MaxReassemblies, v.MaxReassemblies)
	assert.Equal(t, d.OfferCacheSize, v.OfferCacheSize)
	assert.NotNil(t, v.TimeProvider)
	assert.False(t, v.Hybrid, "zero options stay classical")

	v, err = (*Options)(nil).validate()
	require.NoError(t, err)
	assert.True(t, v.Hybrid)
}

func TestOptionsValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"mtu below minimum", func(o *Options) { o.MTU = limits.MinTransportMTU - 1 }},
		{"require hybrid without hybrid", func(o *Options) { o.Hybrid, o.RequireHybrid = false, true }},
		{"short psk", func(o *Options) { o.PresharedKey = make([]byte, 16) }},
		{"soft limit above hard limit", func(o *Options) { o.Rekey.AfterUses = o.Rekey.ExpireUses }},
		{"zero soft limit", func(o *Options) { o.Rekey.AfterUses = 0 }},
		{"hard limit beyond protocol", func(o *Options) { o.Rekey.ExpireUses = limits.ExpireAfterUses + 1 }},
		{"no rekey time", func(o *Options) { o.Rekey.AfterTime = 0 }},
		{"negative jitter", func(o *Options) { o.Rekey.MaxJitter = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOptions()
			tt.mutate(o)
			_, err := o.validate()
			assert.ErrorIs(t, err, ErrInvalidOptions)
		})
	}
}

func TestOptionsNoiseConfig(t *testing.T) {
	host, err := identity.New(nil)
	require.NoError(t, err)
	o := NewOptions()
	o.RequireHybrid = true
	o.PresharedKey = make([]byte, 32)

	cfg := o.noiseConfig(host)
	assert.Equal(t, &noise.Config{
		Host:          host,
		PresharedKey:  o.PresharedKey,
		Hybrid:        true,
		RequireHybrid: true,
	}, cfg)
}

func TestTable(t *testing.T) {
	l := newLink(t, nil)
	table := NewTable()
	s := l.start(t)

	assert.Nil(t, table.Lookup(s.ID()))
	table.Add(s)
	assert.Same(t, s, table.Lookup(s.ID()))
	assert.Equal(t, 1, table.Len())
	assert.Equal(t, []*Session{s}, table.Sessions())

	table.Remove(s.ID())
	assert.Nil(t, table.Lookup(s.ID()))
	assert.Zero(t, table.Len())
}

type fixedTable struct{ s *Session }

func (f fixedTable) Lookup(packet.SessionID) *Session { return f.s }
func (f fixedTable) Add(*Session) {}
func (f fixedTable) Remove(packet.SessionID) {}

func TestAllocateIDExhausted(t *testing.T) {
	_, err := allocateID(fixedTable{s: &Session{}}, nil)
	assert.ErrorIs(t, err, ErrSessionIDExhausted)

	id, err := allocateID(nil, nil)
	require.NoError(t, err)
	assert.True(t, id.Valid())
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	_, err = NewMetrics(reg)
	assert.Error(t, err, "duplicate registration")

	m.dropped(DropReplay)
	m.dropped(DropReplay)
	m.handshake(handshakeAccepted)
	m.rekeyed()
	m.evicted(3)
	m.evicted(0)
	m.packet("in")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.PacketsDropped.WithLabelValues("replay")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Handshakes.WithLabelValues(handshakeAccepted)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Rekeys))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ReassemblyEvictions))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Packets.WithLabelValues("in")))

	count, err := testutil.GatherAndCount(reg, "zssp_packets_dropped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.dropped(DropReplay)
		nilMetrics.handshake(handshakeRejected)
		nilMetrics.rekeyed()
		nilMetrics.evicted(1)
		nilMetrics.packet("out")
	})
}

func TestResultStrings(t *testing.T) {
	assert.Equal(t, "duplicate_offer", DropDuplicateOffer.String())
	assert.Equal(t, "header_check", DropHeaderCheck.String())
	assert.Equal(t, "drop(200)", DropReason(200).String())
	assert.NotEqual(t, ResultData.String(), ResultNewSession.String())
}
