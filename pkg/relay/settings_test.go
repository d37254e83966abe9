package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSettingsDefaults(t *testing.T) {
	s := Settings{}.withDefaults()
	assert.Equal(t, DefaultIdleTimeout, s.IdleTimeout)
	assert.Equal(t, DefaultOpenTimeout, s.OpenTimeout)
	assert.Equal(t, DefaultGrace, s.Grace)
	assert.Equal(t, DefaultPingInterval, s.PingInterval, "keepalive should default on")
	assert.Equal(t, DefaultMaxPendingPings, s.MaxPendingPings)
}

func TestSettingsKeepaliveDisabledByNegative(t *testing.T) {
	s := Settings{PingInterval: -1}.withDefaults()
	assert.Equal(t, time.Duration(-1), s.PingInterval)
}

func TestSettingsExplicitValuesKept(t *testing.T) {
	s := Settings{
		IdleTimeout:  time.Minute,
		PingInterval: 5 * time.Second,
	}.withDefaults()
	assert.Equal(t, time.Minute, s.IdleTimeout)
	assert.Equal(t, 5*time.Second, s.PingInterval)
}
