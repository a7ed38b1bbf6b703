// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for relayd (the server) and
// relay-client. Both config trees are decoded in one pass onto their
// defaults, share the same "unknown key is a fatal error with a
// did-you-mean suggestion" policy, and the same default/override layering.
package config

// ServerConfig is relayd's top-level configuration structure.
type ServerConfig struct {
	Listen      ListenConfig      `toml:"listen"`
	Auth        AuthConfig        `toml:"auth"`
	RateLimit   RateLimitConfig   `toml:"rate_limit"`
	Handshake   HandshakeConfig   `toml:"handshake"`
	Persistence PersistenceConfig `toml:"persistence"`
	Logging     LoggingConfig     `toml:"logging"`
	Activity    ActivityConfig    `toml:"activity"`
}

// AuthConfig names the single SRP identity relayd accepts connections for.
// The password is deliberately not a TOML field: it is read from the
// RELAYD_AUTH_PASSWORD environment variable so it never lands in a config
// file on disk (spec §6 treats credential storage/verifier issuance as an
// external collaborator; this is the minimal in-process default so relayd
// can run standalone).
type AuthConfig struct {
	Identity string `toml:"identity"`
}

// ListenConfig controls the WebSocket listener.
type ListenConfig struct {
	Address        string   `toml:"address"`
	AllowedOrigins []string `toml:"allowed_origins"`
	TLSCertFile    string   `toml:"tls_cert_file"`
	TLSKeyFile     string   `toml:"tls_key_file"`
}

// RateLimitConfig describes the per-connection and per-identity token
// buckets that gate srp_hello. The values are parsed and validated only:
// internal/connstate builds its buckets with fixed capacities and TTL and
// does not read this struct.
type RateLimitConfig struct {
	HelloCapacity           int    `toml:"hello_capacity"`
	HelloRefillPerMinute    int    `toml:"hello_refill_per_minute"`
	IdentityCapacity        int    `toml:"identity_capacity"`
	IdentityRefillPerMinute int    `toml:"identity_refill_per_minute"`
	IdentityBucketTTL       string `toml:"identity_bucket_ttl"`
}

// HandshakeConfig describes SRP handshake and resume-proof timing. The
// values are parsed and validated only: internal/admission uses its own
// fixed timeouts and does not read this struct.
type HandshakeConfig struct {
	Timeout         string `toml:"timeout"`
	ResumeProofSkew string `toml:"resume_proof_skew"`
}

// PersistenceConfig controls the server's session/rate-limit database.
type PersistenceConfig struct {
	DatabasePath string `toml:"database_path"`
}

// ActivityConfig controls the default local activity bus (filesystem
// watcher) relayd runs when no external event source is configured.
type ActivityConfig struct {
	WatchRoot string `toml:"watch_root"`
}

// LoggingConfig controls log output behavior. Shared by both binaries.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// ClientConfig is relay-client's top-level configuration structure.
type ClientConfig struct {
	DefaultHost string          `toml:"default_host"`
	Reconnect   ReconnectConfig `toml:"reconnect"`
	Upload      UploadConfig    `toml:"upload"`
	Logging     LoggingConfig   `toml:"logging"`
}

// ReconnectConfig describes the client's exponential-backoff reconnect
// loop. The values are parsed and validated only: internal/connmgr uses
// its own fixed backoff constants and does not read this struct.
type ReconnectConfig struct {
	InitialDelay  string `toml:"initial_delay"`
	MaxDelay      string `toml:"max_delay"`
	JitterPercent int    `toml:"jitter_percent"`
}

// UploadConfig describes the resumable upload engine's chunking. The value
// is parsed and validated only; no code reads it.
type UploadConfig struct {
	ChunkSizeBytes int `toml:"chunk_size_bytes"`
}
