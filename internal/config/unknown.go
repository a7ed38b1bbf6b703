package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownServerKeys are the valid leaf key names in relayd's config file, one
// per field of the section structs ([listen], [rate_limit], ...).
var knownServerKeys = map[string]bool{
	"address": true, "allowed_origins": true, "tls_cert_file": true, "tls_key_file": true,
	"identity": true,
	"hello_capacity": true, "hello_refill_per_minute": true,
	"identity_capacity": true, "identity_refill_per_minute": true, "identity_bucket_ttl": true,
	"timeout": true, "resume_proof_skew": true,
	"database_path": true,
	"level":         true, "format": true, "file": true,
	"watch_root": true,
}

var knownServerKeysList = sortedKeys(knownServerKeys)

// knownClientKeys are the valid flat top-level keys in relay-client's config
// file.
var knownClientKeys = map[string]bool{
	"default_host": true,
	"initial_delay": true, "max_delay": true, "jitter_percent": true,
	"chunk_size_bytes": true,
	"level":            true, "format": true, "file": true,
}

var knownClientKeysList = sortedKeys(knownClientKeys)

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with "did you mean?" suggestions for each one, checked against the
// given set of known keys for the config tree being decoded.
func checkUnknownKeys(md *toml.MetaData, known map[string]bool, knownList []string) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		if err := buildKeyError(key.String(), known, knownList); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// buildKeyError creates a descriptive error for an unknown key, optionally
// suggesting the closest known key. Returns nil if the key is a valid
// sub-field of a known key (e.g. allowed_origins entries).
func buildKeyError(keyStr string, known map[string]bool, knownList []string) error {
	parts := strings.Split(keyStr, ".")
	fieldName := parts[len(parts)-1]

	if len(parts) > 1 && known[parts[len(parts)-2]] {
		return nil // parent is known, sub-field is expected
	}

	suggestion := closestMatch(fieldName, knownList)
	if suggestion != "" {
		return fmt.Errorf("unknown config key %q — did you mean %q?", fieldName, suggestion)
	}

	return fmt.Errorf("unknown config key %q", fieldName)
}

// closestMatch finds the closest known key by Levenshtein distance. Returns
// an empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
