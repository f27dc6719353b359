// Package store is the SQLite-backed persistence layer standing in for
// the original's MongoDB collections: provider catalog entries, static
// stream auto-start bookkeeping, mobile session records (with their
// appended position fixes), and a small metadata key/value area.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dss/dynstream/internal/mobile"
)

const schema = `
CREATE TABLE IF NOT EXISTS providers (
	prefix TEXT PRIMARY KEY,
	spec_json TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS static_streams (
	id TEXT PRIMARY KEY,
	auto_start INTEGER NOT NULL DEFAULT 0,
	last_seen_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS mobile_streams (
	id TEXT PRIMARY KEY,
	started_at TIMESTAMP NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	positions_json TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS metadata (
	name TEXT PRIMARY KEY,
	value_json TEXT NOT NULL
);
`

// Store wraps a *sql.DB opened against a modernc.org/sqlite (pure-Go,
// CGO-free) file, the way the teacher's lineage wraps its own storage
// driver behind a small typed API rather than leaking *sql.DB.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite has no internal connection pool locking
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if err := setVersionIfAbsent(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const schemaVersion = 1

func setVersionIfAbsent(db *sql.DB) error {
	var exists int
	err := db.QueryRow(`SELECT 1 FROM metadata WHERE name = 'db.meta.version'`).Scan(&exists)
	if err == sql.ErrNoRows {
		_, err = db.Exec(`INSERT INTO metadata (name, value_json) VALUES ('db.meta.version', ?)`, fmt.Sprintf("%d", schemaVersion))
		return err
	}
	return err
}

// --- provider catalog -------------------------------------------------

// SaveProviders mirrors the boot-time provider specs into the providers
// table as a durable audit copy; /info/provider serves from the live
// provider registry, not from this table.
func (s *Store) SaveProviders(ctx context.Context, entries map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM providers`); err != nil {
		return err
	}
	for prefix, spec := range entries {
		data, err := json.Marshal(spec)
		if err != nil {
			return fmt.Errorf("store: marshal provider %s: %w", prefix, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO providers (prefix, spec_json) VALUES (?, ?)`, prefix, string(data)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Providers returns the persisted provider catalog as raw JSON per prefix.
func (s *Store) Providers(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT prefix, spec_json FROM providers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var prefix, specJSON string
		if err := rows.Scan(&prefix, &specJSON); err != nil {
			return nil, err
		}
		out[prefix] = json.RawMessage(specJSON)
	}
	return out, rows.Err()
}

// --- static stream auto-start bookkeeping ------------------------------

// RecordAutoStart persists that a static stream id was auto-started at
// bootstrap, for observability (mirrors general.auto_start decisions).
func (s *Store) RecordAutoStart(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO static_streams (id, auto_start, last_seen_at)
		VALUES (?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET auto_start = 1, last_seen_at = excluded.last_seen_at
	`, id, time.Now().UTC())
	return err
}

// --- mobile session persistence (implements mobile.SessionStore) ------

// mongoIDLength matches the 24-hex-character width of a MongoDB
// ObjectID, the format the original mobile handshake echoes back to the
// client; callers elsewhere in the system treat session ids as opaque
// strings of that shape.
const mongoIDLength = 24

func newSessionID() (string, error) {
	buf := make([]byte, mongoIDLength/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("store: generate session id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// UpsertSession implements mobile.SessionStore. If clientID names an
// existing session it is resumed (reactivated); a non-empty clientID with
// no record gets a fresh row under that same id; an empty clientID gets a
// freshly minted opaque id. This mirrors the original's
// `db.mobile.update({_id}, data, upsert=True)` resumption semantics
// (spec.md's Open Question, resolved as upsert-as-resumption).
func (s *Store) UpsertSession(ctx context.Context, clientID string) (string, error) {
	now := time.Now().UTC()

	if clientID != "" {
		res, err := s.db.ExecContext(ctx,
			`UPDATE mobile_streams SET active = 1 WHERE id = ?`, clientID)
		if err != nil {
			return "", fmt.Errorf("store: resume session %s: %w", clientID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return clientID, nil
		}
	}

	id := clientID
	if id == "" {
		generated, err := newSessionID()
		if err != nil {
			return "", err
		}
		id = generated
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mobile_streams (id, started_at, active, positions_json)
		VALUES (?, ?, 1, '[]')
		ON CONFLICT(id) DO UPDATE SET active = 1
	`, id, now)
	if err != nil {
		return "", fmt.Errorf("store: insert session %s: %w", id, err)
	}
	return id, nil
}

// MarkInactive implements mobile.SessionStore.
func (s *Store) MarkInactive(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE mobile_streams SET active = 0 WHERE id = ?`, id)
	return err
}

// AppendPosition implements mobile.SessionStore, pushing pos onto the
// session's position array the way `$push` appends to the original's
// `position` array field.
func (s *Store) AppendPosition(ctx context.Context, id string, pos mobile.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx,
		`SELECT positions_json FROM mobile_streams WHERE id = ?`, id).Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("store: append position: unknown session %s", id)
		}
		return err
	}

	var positions []mobile.Position
	if err := json.Unmarshal([]byte(raw), &positions); err != nil {
		return fmt.Errorf("store: decode positions for %s: %w", id, err)
	}
	positions = append(positions, pos)

	encoded, err := json.Marshal(positions)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE mobile_streams SET positions_json = ? WHERE id = ?`, string(encoded), id); err != nil {
		return err
	}
	return tx.Commit()
}

var _ mobile.SessionStore = (*Store)(nil)
