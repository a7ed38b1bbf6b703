package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateServer_RejectsEmptyListenAddress(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Listen.Address = ""

	err := ValidateServer(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen.address")
}

func TestValidateServer_RejectsBadRateLimitBounds(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.RateLimit.HelloCapacity = 0
	cfg.RateLimit.IdentityCapacity = -1

	err := ValidateServer(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hello_capacity")
	assert.Contains(t, err.Error(), "identity_capacity")
}

func TestValidateServer_RejectsInvalidDurations(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Handshake.Timeout = "not-a-duration"

	err := ValidateServer(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake.timeout")
}

func TestValidateClient_RejectsMaxDelayBelowInitialDelay(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.Reconnect.InitialDelay = "10s"
	cfg.Reconnect.MaxDelay = "1s"

	err := ValidateClient(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_delay")
}

func TestValidateClient_RejectsChunkSizeOutOfRange(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.Upload.ChunkSizeBytes = 1

	err := ValidateClient(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_size_bytes")
}

func TestValidateClient_RejectsJitterOutOfRange(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.Reconnect.JitterPercent = 200

	err := ValidateClient(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jitter_percent")
}
