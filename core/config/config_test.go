package config_test

import (
	"testing"

	"github.com/relaykit/relaykit/core/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleConfig struct {
	Port int `env:"TEST_CONFIG_PORT" envDefault:"8080"`
}

func TestLoad_UsesDefaults(t *testing.T) {
	config.Reset()
	var cfg sampleConfig
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, 8080, cfg.Port)
}

func TestLoad_CachesByType(t *testing.T) {
	config.Reset()
	t.Setenv("TEST_CONFIG_PORT", "9090")

	var first sampleConfig
	require.NoError(t, config.Load(&first))
	assert.Equal(t, 9090, first.Port)

	t.Setenv("TEST_CONFIG_PORT", "1111")
	var second sampleConfig
	require.NoError(t, config.Load(&second))
	assert.Equal(t, 9090, second.Port, "second load must return the cached value, not re-parse the environment")
}

func TestRelayConfig_RequiresAMQPURI(t *testing.T) {
	config.Reset()
	var cfg config.RelayConfig
	err := config.Load(&cfg)
	assert.Error(t, err)
}

func TestRelayConfig_LoadsWithDefaults(t *testing.T) {
	config.Reset()
	t.Setenv("AMQP_URI", "redis://localhost:6379/0")

	var cfg config.RelayConfig
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, 10, cfg.MaxWorkers)
	assert.Equal(t, 10, cfg.ParentCallsTracked)
	assert.Equal(t, "relay-rpc", cfg.RPCExchange)
}
