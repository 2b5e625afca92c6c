package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Schema for the core-owned local state. Everything is keyed by identity
// so clearing one user's rows can never touch another's.
const schema = `
CREATE TABLE IF NOT EXISTS wallet_state (
    identity_key        TEXT PRIMARY KEY,
    last_address        TEXT NOT NULL,
    explicit_disconnect INTEGER NOT NULL DEFAULT 0,
    updated_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS passport_records (
    identity_key    TEXT PRIMARY KEY,
    wallet_address  TEXT NOT NULL,
    score           REAL NOT NULL,
    verified_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_passport_address ON passport_records(wallet_address);

CREATE TABLE IF NOT EXISTS audit_log (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    action       TEXT NOT NULL,
    target_table TEXT NOT NULL,
    details      TEXT,
    created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ratelimit_windows (
    key       TEXT PRIMARY KEY,
    attempts  INTEGER NOT NULL,
    reset_at  INTEGER NOT NULL
);
`

// Store persists the local state this core owns: last-connected wallet,
// explicit disconnect flags, passport records, the audit log, and
// rate-limit window snapshots.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the sqlite database at path and applies the
// schema. Use ":memory:" for an ephemeral store in tests.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WalletState is the persisted connection state for one identity.
type WalletState struct {
	IdentityKey        string
	LastAddress        string
	ExplicitDisconnect bool
	UpdatedAt          time.Time
}

// SaveWalletState upserts the last-connected address and disconnect flag.
func (s *Store) SaveWalletState(st WalletState) error {
	disconnect := 0
	if st.ExplicitDisconnect {
		disconnect = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO wallet_state (identity_key, last_address, explicit_disconnect, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity_key) DO UPDATE SET
			last_address = excluded.last_address,
			explicit_disconnect = excluded.explicit_disconnect,
			updated_at = excluded.updated_at`,
		st.IdentityKey, st.LastAddress, disconnect, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save wallet state: %w", err)
	}
	return nil
}

// WalletState loads the persisted state for an identity, or nil if none.
func (s *Store) WalletState(identityKey string) (*WalletState, error) {
	row := s.db.QueryRow(`
		SELECT identity_key, last_address, explicit_disconnect, updated_at
		FROM wallet_state WHERE identity_key = ?`, identityKey)

	var st WalletState
	var disconnect int
	var updated int64
	if err := row.Scan(&st.IdentityKey, &st.LastAddress, &disconnect, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load wallet state: %w", err)
	}
	st.ExplicitDisconnect = disconnect != 0
	st.UpdatedAt = time.Unix(updated, 0)
	return &st, nil
}

// ClearWalletState removes one identity's connection state.
func (s *Store) ClearWalletState(identityKey string) error {
	_, err := s.db.Exec(`DELETE FROM wallet_state WHERE identity_key = ?`, identityKey)
	if err != nil {
		return fmt.Errorf("clear wallet state: %w", err)
	}
	return nil
}

// SavePassportRecord upserts a passport record for an identity key.
func (s *Store) SavePassportRecord(rec PassportRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO passport_records (identity_key, wallet_address, score, verified_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity_key) DO UPDATE SET
			wallet_address = excluded.wallet_address,
			score = excluded.score,
			verified_at = excluded.verified_at`,
		rec.IdentityKey, rec.WalletAddress, rec.Score, rec.VerifiedAt.Unix())
	if err != nil {
		return fmt.Errorf("save passport record: %w", err)
	}
	return nil
}

// LoadPassportRecord returns the stored record for an identity key, or nil.
func (s *Store) LoadPassportRecord(identityKey string) (*PassportRecord, error) {
	row := s.db.QueryRow(`
		SELECT identity_key, wallet_address, score, verified_at
		FROM passport_records WHERE identity_key = ?`, identityKey)

	var rec PassportRecord
	var verified int64
	if err := row.Scan(&rec.IdentityKey, &rec.WalletAddress, &rec.Score, &verified); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load passport record: %w", err)
	}
	rec.VerifiedAt = time.Unix(verified, 0)
	return &rec, nil
}

// DeletePassportRecord removes the record for one identity key.
func (s *Store) DeletePassportRecord(identityKey string) error {
	_, err := s.db.Exec(`DELETE FROM passport_records WHERE identity_key = ?`, identityKey)
	if err != nil {
		return fmt.Errorf("delete passport record: %w", err)
	}
	return nil
}

// AppendAudit records one audit entry.
func (s *Store) AppendAudit(action, table, details string) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_log (action, target_table, details, created_at)
		VALUES (?, ?, ?, ?)`,
		action, table, details, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID          int64     `json:"id"`
	Action      string    `json:"action"`
	TargetTable string    `json:"target_table"`
	Details     string    `json:"details,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RecentAudit returns the newest limit audit entries.
func (s *Store) RecentAudit(limit int) ([]AuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, action, target_table, details, created_at
		FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.Action, &e.TargetTable, &e.Details, &created); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.CreatedAt = time.Unix(created, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SaveRateWindows replaces the persisted rate-limit window snapshot.
func (s *Store) SaveRateWindows(states []WindowState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM ratelimit_windows`); err != nil {
		return fmt.Errorf("clear windows: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO ratelimit_windows (key, attempts, reset_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, st := range states {
		if _, err := stmt.Exec(st.Key, st.Attempts, st.ResetAt.Unix()); err != nil {
			return fmt.Errorf("insert window: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LoadRateWindows returns the persisted window snapshot, expired rows
// included; RateLimiter.Restore drops those.
func (s *Store) LoadRateWindows() ([]WindowState, error) {
	rows, err := s.db.Query(`SELECT key, attempts, reset_at FROM ratelimit_windows`)
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}
	defer rows.Close()

	var states []WindowState
	for rows.Next() {
		var st WindowState
		var reset int64
		if err := rows.Scan(&st.Key, &st.Attempts, &reset); err != nil {
			return nil, fmt.Errorf("scan window row: %w", err)
		}
		st.ResetAt = time.Unix(reset, 0)
		states = append(states, st)
	}
	return states, rows.Err()
}
