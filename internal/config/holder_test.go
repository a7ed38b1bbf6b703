package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHolder_ConfigAndUpdate(t *testing.T) {
	h := NewHolder(DefaultServerConfig(), "/etc/relayd.toml")

	assert.Equal(t, "/etc/relayd.toml", h.Path())
	assert.Equal(t, defaultListenAddress, h.Config().Listen.Address)

	updated := DefaultServerConfig()
	updated.Listen.Address = ":9999"
	h.Update(updated)

	assert.Equal(t, ":9999", h.Config().Listen.Address)
	// Path is immutable across reloads.
	assert.Equal(t, "/etc/relayd.toml", h.Path())
}
