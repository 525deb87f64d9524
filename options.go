package zssp

import (
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/zssp/crypto"
	"github.com/opd-ai/zssp/interfaces"
	"github.com/opd-ai/zssp/limits"
	"github.com/opd-ai/zssp/noise"
	"github.com/opd-ai/zssp/packet"
)

const (
	// DefaultRetryInterval is how long an unanswered key offer waits before
	// it is replaced by a fresh one.
	DefaultRetryInterval = time.Second

	// DefaultRetryAttempts is how many offers an initial handshake sends
	// before the session gives up.
	DefaultRetryAttempts = 10

	// DefaultPriorKeyLifetime is how long superseded keys still decrypt
	// packets that were in flight during a rekey.
	DefaultPriorKeyLifetime = 30 * time.Second

	// DefaultOfferCacheSize bounds the remembered replies to initial offers.
	DefaultOfferCacheSize = 256
)

// RetryPolicy controls retransmission of unanswered key offers. Every retry
// is a fresh offer with new ephemeral keys.
type RetryPolicy struct {
	Interval time.Duration
	// MaxAttempts bounds offers of an initial handshake. Rekey offers are
	// retried until the current key expires.
	MaxAttempts int
}

// Options contains configuration for sessions and receive contexts.
type Options struct {
	// MTU is the largest datagram the transport carries.
	MTU int
	// Hybrid offers and accepts the Kyber1024 key exchange.
	Hybrid bool
	// RequireHybrid refuses handshakes without Kyber1024.
	RequireHybrid bool
	// PresharedKey is mixed into every handshake. Both peers must agree.
	PresharedKey []byte

	Retry             RetryPolicy
	Rekey             crypto.RekeyConfig
	PriorKeyLifetime  time.Duration
	ReassemblyTimeout time.Duration
	MaxReassemblies   int
	OfferCacheSize    int

	// TimeProvider supplies the clock, real time if nil.
	TimeProvider crypto.TimeProvider
	// Rand supplies entropy, crypto/rand if nil.
	Rand io.Reader
	// Metrics receives protocol counters. Nil disables them.
	Metrics *Metrics
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		MTU:               limits.DefaultMTU,
		Hybrid:            true,
		Retry:             RetryPolicy{Interval: DefaultRetryInterval, MaxAttempts: DefaultRetryAttempts},
		Rekey:             crypto.DefaultRekeyConfig(),
		PriorKeyLifetime:  DefaultPriorKeyLifetime,
		ReassemblyTimeout: packet.DefaultReassemblyTimeout,
		MaxReassemblies:   packet.DefaultMaxReassemblies,
		OfferCacheSize:    DefaultOfferCacheSize,
		TimeProvider:      crypto.DefaultTimeProvider{},
	}
}

// validate returns a copy of o with zero values replaced by defaults, or an
// error if a setting cannot work.
func (o *Options) validate() (*Options, error) {
	if o == nil {
		return NewOptions(), nil
	}
	v := *o
	d := NewOptions()
	if v.MTU == 0 {
		v.MTU = d.MTU
	}
	if v.Retry.Interval <= 0 {
		v.Retry.Interval = d.Retry.Interval
	}
	if v.Retry.MaxAttempts <= 0 {
		v.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if v.Rekey == (crypto.RekeyConfig{}) {
		v.Rekey = d.Rekey
	}
	if v.PriorKeyLifetime <= 0 {
		v.PriorKeyLifetime = d.PriorKeyLifetime
	}
	if v.ReassemblyTimeout <= 0 {
		v.ReassemblyTimeout = d.ReassemblyTimeout
	}
	if v.MaxReassemblies <= 0 {
		v.MaxReassemblies = d.MaxReassemblies
	}
	if v.OfferCacheSize <= 0 {
		v.OfferCacheSize = d.OfferCacheSize
	}
	v.TimeProvider = crypto.OrDefault(v.TimeProvider)

	if err := limits.ValidateMTU(v.MTU); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if v.RequireHybrid && !v.Hybrid {
		return nil, fmt.Errorf("%w: RequireHybrid needs Hybrid", ErrInvalidOptions)
	}
	if n := len(v.PresharedKey); n != 0 && n != 32 {
		return nil, fmt.Errorf("%w: preshared key must be 32 bytes, got %d", ErrInvalidOptions, n)
	}
	if v.Rekey.AfterUses == 0 || v.Rekey.AfterUses >= v.Rekey.ExpireUses || v.Rekey.ExpireUses > limits.ExpireAfterUses {
		return nil, fmt.Errorf("%w: rekey thresholds %d/%d", ErrInvalidOptions, v.Rekey.AfterUses, v.Rekey.ExpireUses)
	}
	if v.Rekey.AfterTime <= 0 || v.Rekey.MaxJitter < 0 {
		return nil, fmt.Errorf("%w: rekey time %s jitter %s", ErrInvalidOptions, v.Rekey.AfterTime, v.Rekey.MaxJitter)
	}
	return &v, nil
}

func (o *Options) now() time.Time {
	return o.TimeProvider.Now()
}

func (o *Options) noiseConfig(host interfaces.Host) *noise.Config {
	return &noise.Config{
		Host:          host,
		PresharedKey:  o.PresharedKey,
		Hybrid:        o.Hybrid,
		RequireHybrid: o.RequireHybrid,
		Random:        o.Rand,
	}
}
