package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultServerConfig_PassesValidation(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.NoError(t, ValidateServer(cfg))
}

func TestDefaultClientConfig_PassesValidation(t *testing.T) {
	cfg := DefaultClientConfig()
	assert.NoError(t, ValidateClient(cfg))
}
