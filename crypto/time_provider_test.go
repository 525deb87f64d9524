package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimeProvider_Default(t *testing.T) {
	t.Parallel()

	dp := DefaultTimeProvider{}
	before := time.Now()
	now := dp.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Error("DefaultTimeProvider.Now() should return current time")
	}

	pastTime := time.Now().Add(-time.Hour)
	since := dp.Since(pastTime)
	if since < time.Hour || since > time.Hour+time.Second {
		t.Errorf("DefaultTimeProvider.Since() returned unexpected duration: %v", since)
	}
}

func TestManualTimeProvider(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	m := NewManualTimeProvider(start)
	assert.Equal(t, start, m.Now())

	m.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), m.Now())
	assert.Equal(t, 90*time.Second, m.Since(start))

	m.Set(start)
	assert.Equal(t, start, m.Now())
}

func TestOrDefault(t *testing.T) {
	t.Parallel()

	assert.IsType(t, DefaultTimeProvider{}, OrDefault(nil))
	m := NewManualTimeProvider(time.Time{})
	assert.Same(t, m, OrDefault(m))
}
