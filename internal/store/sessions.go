package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sessionrelay/core/internal/admission"
	"github.com/sessionrelay/core/internal/srp"
)

const (
	sqlGetSession = `SELECT session_id, username, session_key, last_connected_at
		FROM sessions WHERE session_id = ?`

	sqlCreateSession = `INSERT INTO sessions
		(session_id, username, session_key, last_connected_at, created_at)
		VALUES (?, ?, ?, ?, ?)`

	sqlUpdateLastConnected = `UPDATE sessions SET last_connected_at = ? WHERE session_id = ?`
)

// GetSession implements admission.StoredSessionStore.
func (s *Store) GetSession(sessionID string) (admission.StoredSession, bool) {
	row := s.db.QueryRow(sqlGetSession, sessionID)

	var (
		rec          admission.StoredSession
		key          []byte
		lastConnUnix int64
	)

	if err := row.Scan(&rec.SessionID, &rec.Username, &key, &lastConnUnix); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("store: reading session failed", "sessionId", sessionID, "error", err.Error())
		}

		return admission.StoredSession{}, false
	}

	if len(key) != srp.KeySize {
		s.logger.Warn("store: stored session key has wrong length", "sessionId", sessionID, "length", len(key))
		return admission.StoredSession{}, false
	}

	copy(rec.Key[:], key)
	rec.LastConnected = time.Unix(lastConnUnix, 0)

	return rec, true
}

// CreateSession implements admission.StoredSessionStore.
func (s *Store) CreateSession(session admission.StoredSession) error {
	now := time.Now()

	_, err := s.db.Exec(sqlCreateSession, session.SessionID, session.Username, session.Key[:], now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("store: creating session: %w", err)
	}

	return nil
}

// UpdateLastConnected implements admission.StoredSessionStore.
func (s *Store) UpdateLastConnected(sessionID string, at time.Time) error {
	if _, err := s.db.Exec(sqlUpdateLastConnected, at.Unix(), sessionID); err != nil {
		return fmt.Errorf("store: updating last-connected: %w", err)
	}

	return nil
}

var _ admission.StoredSessionStore = (*Store)(nil)
