// Package config loads session settings from a TOML file.
//
// A minimal file:
//
//	[Session]
//	  MTU = 1400
//	  RequireHybrid = true
//
//	[Logging]
//	  Level = "DEBUG"
//
// Omitted values take the package defaults of zssp.NewOptions.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/zssp"
	"github.com/opd-ai/zssp/crypto"
	"github.com/opd-ai/zssp/limits"
)

// DefaultLogLevel is the default logging level.
const DefaultLogLevel = "INFO"

// Session holds the protocol settings. Durations are integers in the unit
// their name states.
type Session struct {
	// MTU is the largest datagram the transport carries.
	MTU int

	// Hybrid enables the Kyber1024 exchange. It defaults to true.
	Hybrid *bool

	// RequireHybrid refuses peers that do not use Kyber1024.
	RequireHybrid bool

	// PresharedKey is an optional hex encoded 32 byte key shared by both peers.
	PresharedKey string

	// RetryIntervalMillis is the wait before an unanswered key offer is replaced.
	RetryIntervalMillis int

	// RetryMaxAttempts bounds the offers of one initial handshake.
	RetryMaxAttempts int

	// PriorKeyLifetimeSeconds is how long keys superseded by a rekey still
	// decrypt late packets.
	PriorKeyLifetimeSeconds int

	// ReassemblyTimeoutMillis is how long an incomplete packet is buffered.
	ReassemblyTimeoutMillis int

	// MaxReassemblies bounds the incomplete packets buffered per session.
	MaxReassemblies int

	// OfferCacheSize bounds the remembered replies to initial offers.
	OfferCacheSize int
}

func (s *Session) validate() error {
	if s.MTU == 0 {
		s.MTU = limits.DefaultMTU
	}
	if err := limits.ValidateMTU(s.MTU); err != nil {
		return fmt.Errorf("config: Session: %w", err)
	}
	if s.Hybrid == nil {
		hybrid := true
		s.Hybrid = &hybrid
	}
	if s.RequireHybrid && !*s.Hybrid {
		return errors.New("config: Session: RequireHybrid set but Hybrid disabled")
	}
	if s.PresharedKey != "" {
		psk, err := hex.DecodeString(s.PresharedKey)
		if err != nil {
			return fmt.Errorf("config: Session: PresharedKey: %w", err)
		}
		if len(psk) != 32 {
			return fmt.Errorf("config: Session: PresharedKey must be 32 bytes, got %d", len(psk))
		}
	}
	for name, v := range map[string]int{
		"RetryIntervalMillis":     s.RetryIntervalMillis,
		"RetryMaxAttempts":        s.RetryMaxAttempts,
		"PriorKeyLifetimeSeconds": s.PriorKeyLifetimeSeconds,
		"ReassemblyTimeoutMillis": s.ReassemblyTimeoutMillis,
		"MaxReassemblies":         s.MaxReassemblies,
		"OfferCacheSize":          s.OfferCacheSize,
	} {
		if v < 0 {
			return fmt.Errorf("config: Session: %s '%d' is negative", name, v)
		}
	}
	return nil
}

// Rekey overrides the key lifetime thresholds. Zero values keep the
// protocol defaults.
type Rekey struct {
	AfterUses        uint64
	ExpireUses       uint64
	AfterTimeSeconds int
	MaxJitterSeconds int
}

func (r *Rekey) validate() error {
	d := crypto.DefaultRekeyConfig()
	after, expire := r.AfterUses, r.ExpireUses
	if after == 0 {
		after = d.AfterUses
	}
	if expire == 0 {
		expire = d.ExpireUses
	}
	if after >= expire || expire > limits.ExpireAfterUses {
		return fmt.Errorf("config: Rekey: AfterUses %d must be below ExpireUses %d <= %d", after, expire, uint64(limits.ExpireAfterUses))
	}
	if r.AfterTimeSeconds < 0 || r.MaxJitterSeconds < 0 {
		return errors.New("config: Rekey: times must not be negative")
	}
	return nil
}

func (r *Rekey) config() crypto.RekeyConfig {
	c := crypto.DefaultRekeyConfig()
	if r.AfterUses != 0 {
		c.AfterUses = r.AfterUses
	}
	if r.ExpireUses != 0 {
		c.ExpireUses = r.ExpireUses
	}
	if r.AfterTimeSeconds != 0 {
		c.AfterTime = time.Duration(r.AfterTimeSeconds) * time.Second
	}
	if r.MaxJitterSeconds != 0 {
		c.MaxJitter = time.Duration(r.MaxJitterSeconds) * time.Second
	}
	return c
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stderr is used.
	File string

	// Level specifies the log level.
	Level string
}

// DefaultLogging returns the default logging configuration.
func DefaultLogging() Logging {
	return Logging{Level: DefaultLogLevel}
}

// Validate validates the logging configuration.
func (l *Logging) Validate() error {
	lvl := strings.ToUpper(l.Level)
	switch lvl {
	case "ERROR", "WARNING", "INFO", "DEBUG", "TRACE":
	case "":
		lvl = DefaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", l.Level)
	}
	l.Level = lvl
	return nil
}

// Apply configures the standard logrus logger. The returned closer releases
// the log file, if any.
func (l *Logging) Apply() (io.Closer, error) {
	logger := logrus.StandardLogger()
	if l.Disable {
		logger.SetOutput(io.Discard)
		return io.NopCloser(nil), nil
	}
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("config: Logging: %w", err)
	}
	logger.SetLevel(level)
	if l.File == "" {
		logger.SetOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(l.File, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("config: Logging: %w", err)
	}
	logger.SetOutput(f)
	return f, nil
}

// Config is the top level configuration.
type Config struct {
	Session *Session
	Rekey   *Rekey
	Logging *Logging
}

// FixupAndValidate applies defaults to missing sections and validates the
// configuration.
func (c *Config) FixupAndValidate() error {
	if c.Session == nil {
		c.Session = &Session{}
	}
	if c.Rekey == nil {
		c.Rekey = &Rekey{}
	}
	if c.Logging == nil {
		l := DefaultLogging()
		c.Logging = &l
	}
	if err := c.Session.validate(); err != nil {
		return err
	}
	if err := c.Rekey.validate(); err != nil {
		return err
	}
	return c.Logging.Validate()
}

// SessionOptions converts the configuration to zssp options. The caller
// fills in runtime fields such as Metrics.
func (c *Config) SessionOptions() *zssp.Options {
	s := c.Session
	o := zssp.NewOptions()
	o.MTU = s.MTU
	o.Hybrid = *s.Hybrid
	o.RequireHybrid = s.RequireHybrid
	if s.PresharedKey != "" {
		// Validated by FixupAndValidate.
		o.PresharedKey, _ = hex.DecodeString(s.PresharedKey)
	}
	if s.RetryIntervalMillis > 0 {
		o.Retry.Interval = time.Duration(s.RetryIntervalMillis) * time.Millisecond
	}
	if s.RetryMaxAttempts > 0 {
		o.Retry.MaxAttempts = s.RetryMaxAttempts
	}
	if s.PriorKeyLifetimeSeconds > 0 {
		o.PriorKeyLifetime = time.Duration(s.PriorKeyLifetimeSeconds) * time.Second
	}
	if s.ReassemblyTimeoutMillis > 0 {
		o.ReassemblyTimeout = time.Duration(s.ReassemblyTimeoutMillis) * time.Millisecond
	}
	if s.MaxReassemblies > 0 {
		o.MaxReassemblies = s.MaxReassemblies
	}
	if s.OfferCacheSize > 0 {
		o.OfferCacheSize = s.OfferCacheSize
	}
	o.Rekey = c.Rekey.config()
	return o
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config. Unknown keys are an error.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("config: unknown keys %s", strings.Join(keys, ", "))
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
