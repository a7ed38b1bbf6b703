package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

// LoadServer reads and parses relayd's TOML config file, validates it, and
// returns the resulting ServerConfig. Unknown keys are fatal, with
// "did you mean?" suggestions.
func LoadServer(path string, logger *slog.Logger) (*ServerConfig, error) {
	logger.Debug("loading server config file", "path", path)

	cfg := DefaultServerConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md, knownServerKeys, knownServerKeysList); err != nil {
		return nil, err
	}

	if err := ValidateServer(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Debug("server config file parsed successfully", "path", path)

	return cfg, nil
}

// LoadServerOrDefault reads relayd's TOML config file if it exists,
// otherwise returns a ServerConfig populated with all default values.
func LoadServerOrDefault(path string, logger *slog.Logger) (*ServerConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("server config file not found, using defaults", "path", path)

		return DefaultServerConfig(), nil
	}

	return LoadServer(path, logger)
}

// LoadClient reads and parses relay-client's TOML config file, validates
// it, and returns the resulting ClientConfig.
func LoadClient(path string, logger *slog.Logger) (*ClientConfig, error) {
	logger.Debug("loading client config file", "path", path)

	cfg := DefaultClientConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md, knownClientKeys, knownClientKeysList); err != nil {
		return nil, err
	}

	if err := ValidateClient(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger.Debug("client config file parsed successfully", "path", path)

	return cfg, nil
}

// LoadClientOrDefault reads relay-client's TOML config file if it exists,
// otherwise returns a ClientConfig populated with all default values.
func LoadClientOrDefault(path string, logger *slog.Logger) (*ClientConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Debug("client config file not found, using defaults", "path", path)

		return DefaultClientConfig(), nil
	}

	return LoadClient(path, logger)
}

// ResolveServerConfigPath determines relayd's config file path using the
// three-layer priority: CLI flag > environment variable > platform default.
func ResolveServerConfigPath(env ServerEnvOverrides, cliPath string, logger *slog.Logger) string {
	cfgPath := DefaultServerConfigPath()
	source := "default"

	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
		source = "env"
	}

	if cliPath != "" {
		cfgPath = cliPath
		source = "cli"
	}

	logger.Debug("server config path resolved", "path", cfgPath, "source", source)

	return cfgPath
}

// ResolveClientConfigPath determines relay-client's config file path using
// the same three-layer priority.
func ResolveClientConfigPath(env ClientEnvOverrides, cliPath string, logger *slog.Logger) string {
	cfgPath := DefaultClientConfigPath()
	source := "default"

	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
		source = "env"
	}

	if cliPath != "" {
		cfgPath = cliPath
		source = "cli"
	}

	logger.Debug("client config path resolved", "path", cfgPath, "source", source)

	return cfgPath
}
