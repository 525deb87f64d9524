package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/zssp/limits"
)

// RekeyConfig represents the thresholds that govern rekeying of one key.
type RekeyConfig struct {
	AfterUses  uint64        // Soft use limit that starts a rekey
	ExpireUses uint64        // Hard use limit after which the key is destroyed
	AfterTime  time.Duration // Base key lifetime before a rekey
	MaxJitter  time.Duration // Upper bound of random time added to AfterTime
}

// DefaultRekeyConfig returns the protocol's rekey thresholds.
func DefaultRekeyConfig() RekeyConfig {
	return RekeyConfig{
		AfterUses:  limits.RekeyAfterUses,
		ExpireUses: limits.ExpireAfterUses,
		AfterTime:  limits.RekeyAfterTime,
		MaxJitter:  limits.RekeyMaxJitter,
	}
}

// RekeySchedule decides when a session key must be renegotiated and when it
// must be retired. Usage is counted by the key's owner and passed in, so the
// schedule itself only holds the timing decided at key installation.
type RekeySchedule struct {
	CreatedAt  time.Time // When the key was installed
	RekeyAt    time.Time // When a time-based rekey becomes due
	AfterUses  uint64
	ExpireUses uint64
}

// NewRekeySchedule creates the schedule for a key installed at now. The
// rekey time is AfterTime plus a uniformly random jitter read from random.
func NewRekeySchedule(cfg RekeyConfig, now time.Time, random io.Reader) (RekeySchedule, error) {
	jitter, err := randomDuration(random, cfg.MaxJitter)
	if err != nil {
		return RekeySchedule{}, err
	}
	return RekeySchedule{
		CreatedAt:  now,
		RekeyAt:    now.Add(cfg.AfterTime + jitter),
		AfterUses:  cfg.AfterUses,
		ExpireUses: cfg.ExpireUses,
	}, nil
}

// ShouldRekey reports whether a key with the given use count is due for
// renegotiation at now. Whichever trigger fires first wins.
func (rs RekeySchedule) ShouldRekey(uses uint64, now time.Time) bool {
	return uses >= rs.AfterUses || !now.Before(rs.RekeyAt)
}

// Expired reports whether a key with the given use count must not be used again.
func (rs RekeySchedule) Expired(uses uint64) bool {
	return uses >= rs.ExpireUses
}

// Age returns how long the key has been installed.
func (rs RekeySchedule) Age(now time.Time) time.Duration {
	return now.Sub(rs.CreatedAt)
}

func randomDuration(random io.Reader, max time.Duration) (time.Duration, error) {
	if max <= 0 {
		return 0, nil
	}
	if random == nil {
		random = rand.Reader
	}
	var b [8]byte
	if _, err := io.ReadFull(random, b[:]); err != nil {
		return 0, fmt.Errorf("rekey jitter: %w", err)
	}
	n := binary.BigEndian.Uint64(b[:]) % uint64(max)
	return time.Duration(n), nil
}
