package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultServerConfigPath_JoinsConfigDirAndFilename(t *testing.T) {
	got := DefaultServerConfigPath()
	if got == "" {
		t.Skip("no home directory available in this environment")
	}

	assert.Equal(t, "relayd.toml", filepath.Base(got))
}

func TestDefaultClientConfigPath_JoinsConfigDirAndFilename(t *testing.T) {
	got := DefaultClientConfigPath()
	if got == "" {
		t.Skip("no home directory available in this environment")
	}

	assert.Equal(t, "relay-client.toml", filepath.Base(got))
}

func TestLinuxConfigDir_RespectsXDGConfigHome(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")
	assert.Equal(t, filepath.Join("/xdg/config", appName), linuxConfigDir("/home/user"))
}

func TestLinuxConfigDir_FallsBackWithoutXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "")
	assert.Equal(t, filepath.Join("/home/user", ".config", appName), linuxConfigDir("/home/user"))
}
