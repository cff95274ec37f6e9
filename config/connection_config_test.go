package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConnectionConfig(t *testing.T) {
	cfg := DefaultConnectionConfig()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5672, cfg.Port)
	assert.Equal(t, "/", cfg.VHost)
	assert.Equal(t, uint16(600), cfg.Heartbeat)
	assert.Equal(t, uint16(65535), cfg.ChannelMax)
}

func TestConnectionConfig_Address(t *testing.T) {
	cfg := ConnectionConfig{Host: "broker.internal", Port: 5673}
	assert.Equal(t, "broker.internal:5673", cfg.Address())
}

func TestConnectionConfig_AddressWithoutPort(t *testing.T) {
	cfg := ConnectionConfig{Host: "broker.internal"}
	assert.Equal(t, "broker.internal", cfg.Address())
}
