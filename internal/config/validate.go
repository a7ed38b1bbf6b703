package config

import (
	"errors"
	"fmt"
	"time"
)

// Validation range constants.
const (
	minHelloCapacity    = 1
	minIdentityCapacity = 1
	minRefillPerMinute  = 0
	minHandshakeTimeout = 1 * time.Second
	minChunkBytes       = 64 * 1024
	maxChunkBytes       = 64 * 1024 * 1024
	minJitterPercent    = 0
	maxJitterPercent    = 100
)

// ValidateServer checks all relayd configuration values and returns every
// error found, so operators can fix a whole misconfigured file in one pass
// rather than one key at a time.
func ValidateServer(cfg *ServerConfig) error {
	var errs []error

	if cfg.Listen.Address == "" {
		errs = append(errs, errors.New("listen.address: must not be empty"))
	}

	if cfg.Auth.Identity == "" {
		errs = append(errs, errors.New("auth.identity: must not be empty"))
	}

	errs = append(errs, validateRateLimit(&cfg.RateLimit)...)
	errs = append(errs, validateHandshake(&cfg.Handshake)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if cfg.Persistence.DatabasePath == "" {
		errs = append(errs, errors.New("persistence.database_path: must not be empty"))
	}

	return errors.Join(errs...)
}

func validateRateLimit(r *RateLimitConfig) []error {
	var errs []error

	if r.HelloCapacity < minHelloCapacity {
		errs = append(errs, fmt.Errorf("rate_limit.hello_capacity: must be >= %d, got %d", minHelloCapacity, r.HelloCapacity))
	}

	if r.IdentityCapacity < minIdentityCapacity {
		errs = append(errs, fmt.Errorf("rate_limit.identity_capacity: must be >= %d, got %d", minIdentityCapacity, r.IdentityCapacity))
	}

	if r.HelloRefillPerMinute < minRefillPerMinute {
		errs = append(errs, fmt.Errorf("rate_limit.hello_refill_per_minute: must be >= %d, got %d", minRefillPerMinute, r.HelloRefillPerMinute))
	}

	if r.IdentityRefillPerMinute < minRefillPerMinute {
		errs = append(errs, fmt.Errorf("rate_limit.identity_refill_per_minute: must be >= %d, got %d", minRefillPerMinute, r.IdentityRefillPerMinute))
	}

	if _, err := time.ParseDuration(r.IdentityBucketTTL); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit.identity_bucket_ttl: invalid duration %q: %w", r.IdentityBucketTTL, err))
	}

	return errs
}

func validateHandshake(h *HandshakeConfig) []error {
	var errs []error

	d, err := time.ParseDuration(h.Timeout)
	if err != nil {
		errs = append(errs, fmt.Errorf("handshake.timeout: invalid duration %q: %w", h.Timeout, err))
	} else if d < minHandshakeTimeout {
		errs = append(errs, fmt.Errorf("handshake.timeout: must be >= %s, got %s", minHandshakeTimeout, d))
	}

	if _, err := time.ParseDuration(h.ResumeProofSkew); err != nil {
		errs = append(errs, fmt.Errorf("handshake.resume_proof_skew: invalid duration %q: %w", h.ResumeProofSkew, err))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.Level] {
		errs = append(errs, fmt.Errorf("logging.level: must be one of debug, info, warn, error; got %q", l.Level))
	}

	if !validLogFormats[l.Format] {
		errs = append(errs, fmt.Errorf("logging.format: must be one of auto, text, json; got %q", l.Format))
	}

	return errs
}

// ValidateClient checks all relay-client configuration values.
func ValidateClient(cfg *ClientConfig) error {
	var errs []error

	errs = append(errs, validateReconnect(&cfg.Reconnect)...)
	errs = append(errs, validateUpload(&cfg.Upload)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateReconnect(r *ReconnectConfig) []error {
	var errs []error

	initial, err := time.ParseDuration(r.InitialDelay)
	if err != nil {
		errs = append(errs, fmt.Errorf("reconnect.initial_delay: invalid duration %q: %w", r.InitialDelay, err))
	}

	max, err := time.ParseDuration(r.MaxDelay)
	if err != nil {
		errs = append(errs, fmt.Errorf("reconnect.max_delay: invalid duration %q: %w", r.MaxDelay, err))
	}

	if err == nil && max < initial {
		errs = append(errs, fmt.Errorf("reconnect.max_delay: must be >= initial_delay, got %s < %s", max, initial))
	}

	if r.JitterPercent < minJitterPercent || r.JitterPercent > maxJitterPercent {
		errs = append(errs, fmt.Errorf("reconnect.jitter_percent: must be between %d and %d, got %d",
			minJitterPercent, maxJitterPercent, r.JitterPercent))
	}

	return errs
}

func validateUpload(u *UploadConfig) []error {
	if u.ChunkSizeBytes < minChunkBytes || u.ChunkSizeBytes > maxChunkBytes {
		return []error{fmt.Errorf("upload.chunk_size_bytes: must be between %d and %d, got %d",
			minChunkBytes, maxChunkBytes, u.ChunkSizeBytes)}
	}

	return nil
}
