package config

import (
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckUnknownKeys_NoUndecodedReturnsNil(t *testing.T) {
	var cfg ServerConfig
	md, err := toml.Decode(`[listen]
address = ":9443"`, &cfg)
	require.NoError(t, err)

	assert.NoError(t, checkUnknownKeys(&md, knownServerKeys, knownServerKeysList))
}

func TestCheckUnknownKeys_SuggestsClosestMatch(t *testing.T) {
	var cfg ServerConfig
	md, err := toml.Decode(`[rate_limit]
identty_capacity = 5`, &cfg)
	require.NoError(t, err)

	err = checkUnknownKeys(&md, knownServerKeys, knownServerKeysList)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity_capacity")
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("same", "same"))
	assert.Equal(t, 1, levenshtein("cat", "cats"))
	assert.Equal(t, 3, levenshtein("kitten", "sitting"))
}

func TestClosestMatch_NoMatchWithinDistance(t *testing.T) {
	assert.Empty(t, closestMatch("completely_unrelated_key_name", knownServerKeysList))
}
