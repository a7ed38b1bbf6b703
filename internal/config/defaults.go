package config

// Default values for configuration options. These represent the "layer 0"
// of the override chain (defaults -> config file -> environment -> CLI) and
// are chosen to be safe, reasonable starting points that work without any
// config file at all.
const (
	defaultListenAddress = ":8443"
	defaultAuthIdentity  = "admin"

	defaultHelloCapacity           = 20
	defaultHelloRefillPerMinute    = 20
	defaultIdentityCapacity        = 5
	defaultIdentityRefillPerMinute = 5
	defaultIdentityBucketTTL       = "1h"

	defaultHandshakeTimeout    = "10s"
	defaultResumeProofSkew     = "30s"
	defaultDatabasePath        = "relayd.db"
	defaultActivityWatchRoot   = "."
	defaultLogLevel            = "info"
	defaultLogFormat           = "auto"

	defaultHost              = ""
	defaultReconnectInitial  = "500ms"
	defaultReconnectMax      = "30s"
	defaultReconnectJitter   = 20
	defaultUploadChunkBytes  = 4 * 1024 * 1024
)

// DefaultServerConfig returns a ServerConfig populated with all default
// values. Used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen: ListenConfig{
			Address: defaultListenAddress,
		},
		Auth: AuthConfig{
			Identity: defaultAuthIdentity,
		},
		RateLimit: RateLimitConfig{
			HelloCapacity:           defaultHelloCapacity,
			HelloRefillPerMinute:    defaultHelloRefillPerMinute,
			IdentityCapacity:        defaultIdentityCapacity,
			IdentityRefillPerMinute: defaultIdentityRefillPerMinute,
			IdentityBucketTTL:       defaultIdentityBucketTTL,
		},
		Handshake: HandshakeConfig{
			Timeout:         defaultHandshakeTimeout,
			ResumeProofSkew: defaultResumeProofSkew,
		},
		Persistence: PersistenceConfig{
			DatabasePath: defaultDatabasePath,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Activity: ActivityConfig{
			WatchRoot: defaultActivityWatchRoot,
		},
	}
}

// DefaultClientConfig returns a ClientConfig populated with all default
// values.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		DefaultHost: defaultHost,
		Reconnect: ReconnectConfig{
			InitialDelay:  defaultReconnectInitial,
			MaxDelay:      defaultReconnectMax,
			JitterPercent: defaultReconnectJitter,
		},
		Upload: UploadConfig{
			ChunkSizeBytes: defaultUploadChunkBytes,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
