package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadServerEnvOverrides(t *testing.T) {
	t.Setenv(EnvServerConfig, "/custom/relayd.toml")

	overrides := ReadServerEnvOverrides()
	assert.Equal(t, "/custom/relayd.toml", overrides.ConfigPath)
}

func TestReadClientEnvOverrides(t *testing.T) {
	t.Setenv(EnvClientConfig, "/custom/relay-client.toml")
	t.Setenv(EnvClientHost, "work")

	overrides := ReadClientEnvOverrides()
	assert.Equal(t, "/custom/relay-client.toml", overrides.ConfigPath)
	assert.Equal(t, "work", overrides.Host)
}
