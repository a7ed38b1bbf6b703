// Package hoststore persists the client's saved relay hosts as a single
// JSON file, written atomically via a temp-file-then-rename, mirroring the
// on-disk session-file pattern used for upload sessions.
package hoststore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNotFound is returned when a saved host does not exist.
var ErrNotFound = errors.New("hoststore: host not found")

const (
	hostsFilename = "hosts.json"
	filePerms     = 0o600
	dirPerms      = 0o700
)

// Host is one saved relay-server connection profile.
type Host struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Identity  string    `json:"identity"`
	AddedAt   time.Time `json:"addedAt"`
	LastUsed  time.Time `json:"lastUsed,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
}

// Store manages the saved-hosts file under dataDir.
type Store struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	hosts map[string]Host
}

// Open loads (or initializes) the saved-hosts file at dataDir/hosts.json.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	s := &Store{path: filepath.Join(dataDir, hostsFilename), logger: logger, hosts: make(map[string]Host)}

	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("hoststore: reading %s: %w", s.path, err)
	}

	var hosts []Host
	if err := json.Unmarshal(data, &hosts); err != nil {
		s.logger.Warn("hoststore: corrupt hosts file, starting empty", slog.String("path", s.path), slog.String("error", err.Error()))
		return nil
	}

	for _, h := range hosts {
		s.hosts[h.Name] = h
	}

	return nil
}

// List returns every saved host, sorted by name.
func (s *Store) List() []Host {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, h)
	}

	sortHostsByName(out)

	return out
}

func sortHostsByName(hosts []Host) {
	for i := 1; i < len(hosts); i++ {
		for j := i; j > 0 && hosts[j].Name < hosts[j-1].Name; j-- {
			hosts[j], hosts[j-1] = hosts[j-1], hosts[j]
		}
	}
}

// Get returns the saved host by name.
func (s *Store) Get(name string) (Host, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hosts[name]

	return h, ok
}

// Add saves or replaces a host entry.
func (s *Store) Add(h Host) error {
	s.mu.Lock()
	if h.AddedAt.IsZero() {
		h.AddedAt = time.Now().UTC()
	}

	s.hosts[h.Name] = h
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.persist(snapshot)
}

// UpdateSession records the session resumed against a host, so a later
// connect can attempt resume instead of a fresh SRP handshake.
func (s *Store) UpdateSession(name, sessionID string, at time.Time) error {
	s.mu.Lock()
	h, ok := s.hosts[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	h.SessionID = sessionID
	h.LastUsed = at
	s.hosts[name] = h
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.persist(snapshot)
}

// Remove deletes a saved host. No error if it does not exist.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	delete(s.hosts, name)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.persist(snapshot)
}

func (s *Store) snapshotLocked() []Host {
	out := make([]Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, h)
	}

	sortHostsByName(out)

	return out
}

func (s *Store) persist(hosts []Host) error {
	if err := os.MkdirAll(filepath.Dir(s.path), dirPerms); err != nil {
		return fmt.Errorf("hoststore: creating directory: %w", err)
	}

	data, err := json.MarshalIndent(hosts, "", "  ")
	if err != nil {
		return fmt.Errorf("hoststore: marshaling hosts: %w", err)
	}

	tmpPath := s.path + ".tmp"

	if err := os.WriteFile(tmpPath, data, filePerms); err != nil {
		return fmt.Errorf("hoststore: writing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("hoststore: renaming temp file: %w", err)
	}

	return nil
}
