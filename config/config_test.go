package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/zssp"
	"github.com/opd-ai/zssp/crypto"
	"github.com/opd-ai/zssp/limits"
)

const fullConfig = `
[Session]
  MTU = 1200
  Hybrid = true
  RequireHybrid = true
  PresharedKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
  RetryIntervalMillis = 250
  RetryMaxAttempts = 4
  PriorKeyLifetimeSeconds = 5
  ReassemblyTimeoutMillis = 1500
  MaxReassemblies = 8
  OfferCacheSize = 16

[Rekey]
  AfterUses = 1000
  ExpireUses = 2000
  AfterTimeSeconds = 600
  MaxJitterSeconds = 30

[Logging]
  Level = "debug"
`

func TestLoadFull(t *testing.T) {
	cfg, err := Load([]byte(fullConfig))
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)

	o := cfg.SessionOptions()
	assert.Equal(t, 1200, o.MTU)
	assert.True(t, o.Hybrid)
	assert.True(t, o.RequireHybrid)
	require.Len(t, o.PresharedKey, 32)
	assert.Equal(t, byte(0x1f), o.PresharedKey[31])
	assert.Equal(t, zssp.RetryPolicy{Interval: 250 * time.Millisecond, MaxAttempts: 4}, o.Retry)
	assert.Equal(t, 5*time.Second, o.PriorKeyLifetime)
	assert.Equal(t, 1500*time.Millisecond, o.ReassemblyTimeout)
	assert.Equal(t, 8, o.MaxReassemblies)
	assert.Equal(t, 16, o.OfferCacheSize)
	assert.Equal(t, crypto.RekeyConfig{
		AfterUses:  1000,
		ExpireUses: 2000,
		AfterTime:  10 * time.Minute,
		MaxJitter:  30 * time.Second,
	}, o.Rekey)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultLogLevel, cfg.Logging.Level)

	o := cfg.SessionOptions()
	d := zssp.NewOptions()
	assert.Equal(t, limits.DefaultMTU, o.MTU)
	assert.True(t, o.Hybrid, "hybrid is on unless disabled")
	assert.Nil(t, o.PresharedKey)
	assert.Equal(t, d.Retry, o.Retry)
	assert.Equal(t, d.Rekey, o.Rekey)
	assert.Equal(t, d.OfferCacheSize, o.OfferCacheSize)
}

func TestLoadHybridDisabled(t *testing.T) {
	cfg, err := Load([]byte("[Session]\nHybrid = false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.SessionOptions().Hybrid)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not toml", "[Session"},
		{"unknown key", "[Session]\nMTUU = 1400\n"},
		{"unknown section", "[Transport]\nPort = 1\n"},
		{"small mtu", "[Session]\nMTU = 32\n"},
		{"require without hybrid", "[Session]\nHybrid = false\nRequireHybrid = true\n"},
		{"psk not hex", "[Session]\nPresharedKey = \"zz\"\n"},
		{"psk wrong size", "[Session]\nPresharedKey = \"0011\"\n"},
		{"negative retry", "[Session]\nRetryMaxAttempts = -1\n"},
		{"soft above hard", "[Rekey]\nAfterUses = 10\nExpireUses = 5\n"},
		{"hard beyond protocol", "[Rekey]\nExpireUses = 2000000000\n"},
		{"negative time", "[Rekey]\nAfterTimeSeconds = -1\n"},
		{"bad level", "[Logging]\nLevel = \"LOUD\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zssp.toml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1200, cfg.Session.MTU)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoggingApply(t *testing.T) {
	logger := logrus.StandardLogger()
	level, out := logger.GetLevel(), logger.Out
	t.Cleanup(func() {
		logger.SetLevel(level)
		logger.SetOutput(out)
	})

	l := &Logging{Level: "warning", File: filepath.Join(t.TempDir(), "zssp.log")}
	require.NoError(t, l.Validate())
	closer, err := l.Apply()
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	logrus.Warn("written")
	require.NoError(t, closer.Close())
	b, err := os.ReadFile(l.File)
	require.NoError(t, err)
	assert.Contains(t, string(b), "written")

	l = &Logging{Disable: true}
	closer, err = l.Apply()
	require.NoError(t, err)
	assert.NoError(t, closer.Close())
}
