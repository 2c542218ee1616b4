package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS profiles (
	user_id              TEXT PRIMARY KEY,
	tier_kind            TEXT NOT NULL,
	tier                 TEXT NOT NULL,
	tier_expires_at      TIMESTAMP,
	usage_bytes          INTEGER NOT NULL DEFAULT 0,
	upload_used_period   INTEGER NOT NULL DEFAULT 0,
	download_used_period INTEGER NOT NULL DEFAULT 0,
	period_start         TIMESTAMP NOT NULL,
	reputation           REAL NOT NULL,
	verification_streak  INTEGER NOT NULL DEFAULT 0,
	last_activity        TIMESTAMP NOT NULL,
	anonymized           INTEGER NOT NULL DEFAULT 0,
	version              INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS violations (
	user_id      TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	violation_id TEXT NOT NULL,
	kind         TEXT NOT NULL,
	severity     TEXT NOT NULL,
	note         TEXT NOT NULL DEFAULT '',
	resolved     INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, seq)
);

CREATE TABLE IF NOT EXISTS proofs (
	proof_id                 TEXT PRIMARY KEY,
	user_id                  TEXT NOT NULL UNIQUE,
	storage_region           TEXT NOT NULL,
	delivery_peer            TEXT NOT NULL DEFAULT '',
	region_seed              BLOB NOT NULL,
	claimed_bytes            INTEGER NOT NULL,
	verified_bytes           INTEGER NOT NULL DEFAULT 0,
	last_verified_at         TIMESTAMP NOT NULL,
	next_verification_due_at TIMESTAMP NOT NULL,
	status                   TEXT NOT NULL,
	streak_count             INTEGER NOT NULL DEFAULT 0,
	consistency_score        REAL NOT NULL DEFAULT 100,
	avg_response_ms          REAL NOT NULL DEFAULT 0,
	difficulty               INTEGER NOT NULL DEFAULT 1,
	consecutive_index        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS challenges (
	challenge_id      TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL UNIQUE,
	proof_id          TEXT NOT NULL,
	nonce             BLOB NOT NULL,
	region_offset     INTEGER NOT NULL,
	region_length     INTEGER NOT NULL,
	expected_digest   BLOB NOT NULL,
	issued_at         TIMESTAMP NOT NULL,
	expires_at        TIMESTAMP NOT NULL,
	difficulty        INTEGER NOT NULL,
	consecutive_index INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS proof_nonces (
	proof_id TEXT NOT NULL,
	nonce    BLOB NOT NULL,
	PRIMARY KEY (proof_id, nonce)
);

CREATE INDEX IF NOT EXISTS idx_proofs_due ON proofs (next_verification_due_at);
CREATE INDEX IF NOT EXISTS idx_challenges_expiry ON challenges (expires_at);
CREATE INDEX IF NOT EXISTS idx_profiles_tier_expiry ON profiles (tier_expires_at);
`

// NewSQLite opens (and creates, if absent) the SQLite-backed store for a
// single-node deployment. SQLite serialises writers; a single connection
// avoids SQLITE_BUSY under the per-user update pattern.
func NewSQLite(dbPath string) (Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return newSQLStore(db), nil
}
