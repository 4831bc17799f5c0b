// Package store provides persistent server state backed by an embedded SQLite
// database. It owns the database lifecycle and exposes a minimal API used by
// the rest of the server.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — chat rooms that have existed on the server, for the admin
	// sessions snapshot and CLI inspection. Membership itself lives only
	// in memory (the registry); this is a durable name/position ledger.
	`CREATE TABLE IF NOT EXISTS chat_rooms (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL UNIQUE,
		position   INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — completed XFER transfers, for operator history/debugging.
	`CREATE TABLE IF NOT EXISTS xfer_log (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		transfer_id   TEXT NOT NULL,
		direction     TEXT NOT NULL,
		screenname    TEXT NOT NULL,
		filename      TEXT NOT NULL,
		size_bytes    INTEGER NOT NULL,
		completed_at  INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v4 — audit log of registry-level events: duplicate-login
	// displacements and tag-pool exhaustion.
	`CREATE TABLE IF NOT EXISTS audit_log (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		actor_tag    INTEGER NOT NULL,
		screenname   TEXT NOT NULL,
		action       TEXT NOT NULL,
		target       TEXT NOT NULL DEFAULT '',
		details_json TEXT NOT NULL DEFAULT '{}',
		created_at   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v5 — IDB drift log: first-compiled reference bytes per GID, and the
	// history of any later mismatch against that reference.
	`CREATE TABLE IF NOT EXISTS idb_drift_log (
		gid               INTEGER PRIMARY KEY,
		reference_bytes   BLOB NOT NULL,
		first_seen_at     INTEGER NOT NULL DEFAULT (unixepoch()),
		mismatch_count    INTEGER NOT NULL DEFAULT 0,
		last_mismatch_at  INTEGER
	)`,
	// v6 — durable snapshot of the most recent chat lines, so a restart
	// doesn't lose the in-memory ring buffer entirely.
	`CREATE TABLE IF NOT EXISTS chat_ring_buffer (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		room_name  TEXT NOT NULL,
		tag        INTEGER NOT NULL,
		screenname TEXT NOT NULL,
		body       TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v7, v8 — indexes for performance
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_ring_buffer_room ON chat_ring_buffer(room_name, created_at)`,
	// v9 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes server-state operations.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	// Enable WAL mode for concurrent readers.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	// Busy timeout to avoid SQLITE_BUSY on concurrent access.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// GetSetting returns the value stored under key. The second return value is
// false when the key does not exist; an error is only returned for real I/O
// failures.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key → value in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// ChatRoom represents a named chat room that has existed on the server.
type ChatRoom struct {
	ID       int64
	Name     string
	Position int
}

// GetChatRooms returns all known chat rooms ordered by position then id.
func (s *Store) GetChatRooms() ([]ChatRoom, error) {
	rows, err := s.db.Query(
		`SELECT id, name, position FROM chat_rooms ORDER BY position ASC, id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []ChatRoom
	for rows.Next() {
		var r ChatRoom
		if err := rows.Scan(&r.ID, &r.Name, &r.Position); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// TouchChatRoom records that a room with the given name exists, inserting it
// if this is the first time it's been seen. Safe to call on every CJ/CO.
func (s *Store) TouchChatRoom(name string) error {
	_, err := s.db.Exec(
		`INSERT INTO chat_rooms(name) VALUES(?) ON CONFLICT(name) DO NOTHING`, name,
	)
	return err
}

// ChatRoomCount returns the number of distinct rooms ever seen.
func (s *Store) ChatRoomCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chat_rooms`).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// XFER log
// ---------------------------------------------------------------------------

// XferEntry represents one row in the xfer_log table.
type XferEntry struct {
	ID          int64
	TransferID  string
	Direction   string // "download" or "upload"
	Screenname  string
	Filename    string
	SizeBytes   int64
	CompletedAt int64
}

// InsertXferLog records a completed (or aborted) transfer.
func (s *Store) InsertXferLog(transferID, direction, screenname, filename string, sizeBytes int64) error {
	_, err := s.db.Exec(
		`INSERT INTO xfer_log(transfer_id, direction, screenname, filename, size_bytes) VALUES(?,?,?,?,?)`,
		transferID, direction, screenname, filename, sizeBytes,
	)
	return err
}

// GetXferLog returns the most recent transfer log entries, newest first.
func (s *Store) GetXferLog(limit int) ([]XferEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, transfer_id, direction, screenname, filename, size_bytes, completed_at
		 FROM xfer_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []XferEntry
	for rows.Next() {
		var e XferEntry
		if err := rows.Scan(&e.ID, &e.TransferID, &e.Direction, &e.Screenname, &e.Filename, &e.SizeBytes, &e.CompletedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---------------------------------------------------------------------------
// Audit Log
// ---------------------------------------------------------------------------

// AuditEntry represents one row in the audit_log table.
type AuditEntry struct {
	ID          int64
	ActorTag    int
	Screenname  string
	Action      string
	Target      string
	DetailsJSON string
	CreatedAt   int64
}

// InsertAuditLog records a registry-level event (duplicate-login
// displacement, tag-pool exhaustion, ...) in the audit log.
// If the table exceeds 10,000 rows, the oldest entries are purged.
func (s *Store) InsertAuditLog(actorTag int, screenname, action, target, detailsJSON string) error {
	if detailsJSON == "" {
		detailsJSON = "{}"
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_log(actor_tag, screenname, action, target, details_json) VALUES(?,?,?,?,?)`,
		actorTag, screenname, action, target, detailsJSON,
	)
	if err != nil {
		return err
	}
	// Auto-purge oldest entries beyond 10,000.
	_, err = s.db.Exec(`DELETE FROM audit_log WHERE id NOT IN (SELECT id FROM audit_log ORDER BY id DESC LIMIT 10000)`)
	return err
}

// GetAuditLog returns audit log entries, most recent first, with optional action filter.
// Pass action="" to return all actions. Limit controls max rows returned.
func (s *Store) GetAuditLog(action string, limit int) ([]AuditEntry, error) {
	var rows *sql.Rows
	var err error
	if action != "" {
		rows, err = s.db.Query(
			`SELECT id, actor_tag, screenname, action, target, details_json, created_at FROM audit_log WHERE action = ? ORDER BY id DESC LIMIT ?`,
			action, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, actor_tag, screenname, action, target, details_json, created_at FROM audit_log ORDER BY id DESC LIMIT ?`,
			limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ActorTag, &e.Screenname, &e.Action, &e.Target, &e.DetailsJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AuditLogCount returns the number of entries in the audit log.
func (s *Store) AuditLogCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// IDB drift log
// ---------------------------------------------------------------------------

// IDBDriftEntry represents one row in the idb_drift_log table.
type IDBDriftEntry struct {
	GID            uint32
	ReferenceBytes []byte
	FirstSeenAt    int64
	MismatchCount  int
	LastMismatchAt sql.NullInt64
}

// RecordIDBReference stores the first-compiled reference bytes for a GID.
// Returns an error if a reference already exists (callers should check
// existence with GetIDBReference first).
func (s *Store) RecordIDBReference(gid uint32, referenceBytes []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO idb_drift_log(gid, reference_bytes) VALUES(?,?)`,
		gid, referenceBytes,
	)
	return err
}

// GetIDBReference returns the stored reference bytes for gid, if any.
func (s *Store) GetIDBReference(gid uint32) ([]byte, bool, error) {
	var ref []byte
	err := s.db.QueryRow(`SELECT reference_bytes FROM idb_drift_log WHERE gid = ?`, gid).Scan(&ref)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return ref, true, nil
}

// RecordIDBMismatch increments the mismatch counter for gid and stamps
// last_mismatch_at, used when a subsequent compile's bytes disagree with the
// stored reference.
func (s *Store) RecordIDBMismatch(gid uint32) error {
	res, err := s.db.Exec(
		`UPDATE idb_drift_log SET mismatch_count = mismatch_count + 1, last_mismatch_at = unixepoch() WHERE gid = ?`,
		gid,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetIDBDriftLog returns all drift-log entries with at least one recorded
// mismatch, for operator review.
func (s *Store) GetIDBDriftLog() ([]IDBDriftEntry, error) {
	rows, err := s.db.Query(
		`SELECT gid, reference_bytes, first_seen_at, mismatch_count, last_mismatch_at
		 FROM idb_drift_log WHERE mismatch_count > 0 ORDER BY last_mismatch_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []IDBDriftEntry
	for rows.Next() {
		var e IDBDriftEntry
		if err := rows.Scan(&e.GID, &e.ReferenceBytes, &e.FirstSeenAt, &e.MismatchCount, &e.LastMismatchAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---------------------------------------------------------------------------
// Chat ring buffer
// ---------------------------------------------------------------------------

// ChatLine is one durable line from the chat ring buffer snapshot.
type ChatLine struct {
	RoomName   string
	Tag        int
	Screenname string
	Body       string
	CreatedAt  int64
}

// AppendChatLine persists one chat line and trims the room's buffer down to
// the most recent maxLines entries.
func (s *Store) AppendChatLine(roomName string, tag int, screenname, body string, maxLines int) error {
	_, err := s.db.Exec(
		`INSERT INTO chat_ring_buffer(room_name, tag, screenname, body) VALUES(?,?,?,?)`,
		roomName, tag, screenname, body,
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`DELETE FROM chat_ring_buffer WHERE room_name = ? AND id NOT IN (
			SELECT id FROM chat_ring_buffer WHERE room_name = ? ORDER BY id DESC LIMIT ?
		)`, roomName, roomName, maxLines,
	)
	return err
}

// GetChatRingBuffer returns the persisted lines for a room, oldest first.
func (s *Store) GetChatRingBuffer(roomName string) ([]ChatLine, error) {
	rows, err := s.db.Query(
		`SELECT room_name, tag, screenname, body, created_at FROM chat_ring_buffer
		 WHERE room_name = ? ORDER BY id ASC`, roomName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []ChatLine
	for rows.Next() {
		var l ChatLine
		if err := rows.Scan(&l.RoomName, &l.Tag, &l.Screenname, &l.Body, &l.CreatedAt); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// ---------------------------------------------------------------------------
// SQLite optimization
// ---------------------------------------------------------------------------

// Optimize runs PRAGMA optimize for SQLite query planner statistics.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

// ---------------------------------------------------------------------------
// CLI helpers
// ---------------------------------------------------------------------------

// GetAllSettings returns all key/value pairs from the settings table.
func (s *Store) GetAllSettings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		settings[k] = v
	}
	return settings, rows.Err()
}

// Backup creates a copy of the database at the given path using SQLite's
// backup API through VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}
