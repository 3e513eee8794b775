package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mtford90/procsi/internal/assert"
)

// RegisterSession creates a brand-new session with a fresh 128-bit
// internal token and returns it.
func (db *DB) RegisterSession(label, source string, pid int) (Session, error) {
	if err := assert.Check(pid >= 0, "pid must not be negative"); err != nil {
		return Session{}, err
	}

	token, err := randomToken()
	if err != nil {
		return Session{}, fmt.Errorf("generating session token: %w", err)
	}

	s := Session{
		ID:            uuid.New().String(),
		Label:         label,
		Source:        source,
		PID:           pid,
		StartedAt:     time.Now().UnixMilli(),
		InternalToken: token,
	}

	_, err = db.conn.Exec(
		`INSERT INTO sessions (id, label, source, pid, started_at, internal_token) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, nullableString(s.Label), nullableString(s.Source), s.PID, s.StartedAt, s.InternalToken,
	)
	if err != nil {
		return Session{}, fmt.Errorf("inserting session: %w", err)
	}
	return s, nil
}

// EnsureSession returns the existing session with id if present,
// otherwise creates one with the given attributes under that id. Safe
// to call repeatedly (idempotent).
func (db *DB) EnsureSession(id, label, source string, pid int) (Session, error) {
	if err := assert.Check(id != "", "session id must not be empty"); err != nil {
		return Session{}, err
	}

	existing, err := db.getSession(id)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return Session{}, fmt.Errorf("looking up session: %w", err)
	}

	token, err := randomToken()
	if err != nil {
		return Session{}, fmt.Errorf("generating session token: %w", err)
	}

	s := Session{
		ID:            id,
		Label:         label,
		Source:        source,
		PID:           pid,
		StartedAt:     time.Now().UnixMilli(),
		InternalToken: token,
	}
	_, err = db.conn.Exec(
		`INSERT INTO sessions (id, label, source, pid, started_at, internal_token) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, nullableString(s.Label), nullableString(s.Source), s.PID, s.StartedAt, s.InternalToken,
	)
	if err != nil {
		return Session{}, fmt.Errorf("inserting session: %w", err)
	}
	return s, nil
}

func (db *DB) getSession(id string) (Session, error) {
	var s Session
	var label, source, token sql.NullString
	err := db.conn.QueryRow(
		`SELECT id, label, source, pid, started_at, internal_token FROM sessions WHERE id = ?`, id,
	).Scan(&s.ID, &label, &source, &s.PID, &s.StartedAt, &token)
	if err != nil {
		return Session{}, err
	}
	s.Label = label.String
	s.Source = source.String
	s.InternalToken = token.String
	return s, nil
}

// GetSessionAuth returns the session's source attribution iff token
// matches the session's internal token. ok is false for any mismatch,
// including an unknown session id.
func (db *DB) GetSessionAuth(id, token string) (source string, ok bool) {
	s, err := db.getSession(id)
	if err != nil {
		return "", false
	}
	if s.InternalToken == "" || s.InternalToken != token {
		return "", false
	}
	return s.Source, true
}

// ListSessions returns every registered session.
func (db *DB) ListSessions() ([]Session, error) {
	rows, err := db.conn.Query(`SELECT id, label, source, pid, started_at, internal_token FROM sessions ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var label, source, token sql.NullString
		if err := rows.Scan(&s.ID, &label, &source, &s.PID, &s.StartedAt, &token); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		s.Label = label.String
		s.Source = source.String
		s.InternalToken = token.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func randomToken() (string, error) {
	buf := make([]byte, 16) // 128 bits
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
