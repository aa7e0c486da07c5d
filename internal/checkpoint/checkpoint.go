// internal/checkpoint/checkpoint.go

// Package checkpoint persists tracker state and the window sequence across
// restarts. Restores are best-effort: a missing or empty checkpoint just
// means a cold start.
package checkpoint

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clawsight/sentinel/internal/protocol"
)

// Store wraps the checkpoint database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the checkpoint database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint db: %w", err)
	}
	// modernc.org/sqlite serializes writers; one connection avoids lock
	// contention entirely.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS device_states (
		key TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		last_seen INTEGER NOT NULL,
		status_since INTEGER NOT NULL,
		consecutive_misses INTEGER NOT NULL,
		loss_rate REAL NOT NULL,
		latency_ms REAL NOT NULL,
		seq INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS engine_meta (
		name TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating checkpoint schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveStates replaces the checkpointed device states with the given snapshot.
func (s *Store) SaveStates(states []protocol.DeviceState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM device_states"); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO device_states
		(key, status, last_seen, status_since, consecutive_misses, loss_rate, latency_ms, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, st := range states {
		_, err := stmt.Exec(
			st.Key,
			string(st.Status),
			st.LastSeen.UnixNano(),
			st.StatusSince.UnixNano(),
			st.ConsecutiveMisses,
			st.LossRate,
			st.LatencyMs,
			int64(st.Seq),
		)
		if err != nil {
			return fmt.Errorf("checkpointing %s: %w", st.Key, err)
		}
	}
	return tx.Commit()
}

// LoadStates returns the checkpointed device states.
func (s *Store) LoadStates() ([]protocol.DeviceState, error) {
	rows, err := s.db.Query(`
		SELECT key, status, last_seen, status_since, consecutive_misses, loss_rate, latency_ms, seq
		FROM device_states ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []protocol.DeviceState
	for rows.Next() {
		var st protocol.DeviceState
		var status string
		var lastSeen, statusSince, seq int64
		if err := rows.Scan(&st.Key, &status, &lastSeen, &statusSince,
			&st.ConsecutiveMisses, &st.LossRate, &st.LatencyMs, &seq); err != nil {
			return nil, err
		}
		st.Status = protocol.DeviceStatus(status)
		st.LastSeen = time.Unix(0, lastSeen).UTC()
		st.StatusSince = time.Unix(0, statusSince).UTC()
		st.Seq = uint64(seq)
		states = append(states, st)
	}
	return states, rows.Err()
}

// SaveWindowSeq records the next window sequence number.
func (s *Store) SaveWindowSeq(seq uint64) error {
	_, err := s.db.Exec(`
		INSERT INTO engine_meta (name, value) VALUES ('window_seq', ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`, int64(seq))
	return err
}

// LoadWindowSeq returns the recorded window sequence, or 0 when none exists.
func (s *Store) LoadWindowSeq() (uint64, error) {
	var v int64
	err := s.db.QueryRow("SELECT value FROM engine_meta WHERE name = 'window_seq'").Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}
