package store

import (
	"path/filepath"
	"sync"
	"testing"
)

// newFileStore opens a file-backed SQLite database in a temp directory.
// This is needed for concurrent write tests because :memory: databases
// do not support WAL mode properly under concurrent access.
func newFileStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// Migration tests
// ---------------------------------------------------------------------------

func TestMigrationVersionSequence(t *testing.T) {
	s := newMemStore(t)

	rows, err := s.db.Query(`SELECT version FROM schema_migrations ORDER BY version ASC`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()

	expected := 1
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if v != expected {
			t.Errorf("expected migration version %d, got %d", expected, v)
		}
		expected++
	}
	if expected-1 != len(migrations) {
		t.Errorf("expected %d migration versions, found %d", len(migrations), expected-1)
	}
}

func TestMigrationAllTablesExist(t *testing.T) {
	s := newMemStore(t)

	tables := []string{
		"settings",
		"chat_rooms",
		"xfer_log",
		"audit_log",
		"idb_drift_log",
		"chat_ring_buffer",
	}

	for _, table := range tables {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count)
		if err != nil {
			t.Errorf("table %q should exist: %v", table, err)
		}
	}
}

func TestMigrationIndexExists(t *testing.T) {
	s := newMemStore(t)

	var name string
	err := s.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='index' AND name='idx_audit_log_created'`,
	).Scan(&name)
	if err != nil {
		t.Errorf("index idx_audit_log_created should exist: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Concurrent read/write under WAL mode
// ---------------------------------------------------------------------------

func TestConcurrentReadWrite(t *testing.T) {
	s := newFileStore(t)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			s.SetSetting("counter", "value")
		}
	}()

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _, _ = s.GetSetting("counter")
			}
		}()
	}

	wg.Wait()
}

func TestConcurrentChatRoomOps(t *testing.T) {
	s := newFileStore(t)

	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				name := "ch-" + string(rune('A'+idx)) + "-" + string(rune('0'+j))
				_ = s.TouchChatRoom(name)
			}
		}(i)
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = s.GetChatRooms()
				_, _ = s.ChatRoomCount()
			}
		}()
	}

	wg.Wait()
}

// ---------------------------------------------------------------------------
// Auto-purge of audit log at 10K entries
// ---------------------------------------------------------------------------

func TestAuditLogPurgeLogicExists(t *testing.T) {
	s := newMemStore(t)

	for i := 0; i < 100; i++ {
		if err := s.InsertAuditLog(1, "alice", "action", "target", "{}"); err != nil {
			t.Fatalf("InsertAuditLog %d: %v", i, err)
		}
	}

	count, err := s.AuditLogCount()
	if err != nil {
		t.Fatalf("AuditLogCount: %v", err)
	}
	if count != 100 {
		t.Errorf("expected 100 entries (below purge threshold), got %d", count)
	}
}

func TestAuditLogNewestEntryAccessible(t *testing.T) {
	s := newMemStore(t)

	for i := 0; i < 50; i++ {
		if err := s.InsertAuditLog(1, "alice", "action", "target", "{}"); err != nil {
			t.Fatalf("InsertAuditLog %d: %v", i, err)
		}
	}

	entries, err := s.GetAuditLog("", 1)
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].ID == 0 {
		t.Error("newest entry should have a non-zero ID")
	}
	if entries[0].ID != 50 {
		t.Errorf("newest entry ID: got %d, want 50", entries[0].ID)
	}
}

// ---------------------------------------------------------------------------
// Audit log with empty details
// ---------------------------------------------------------------------------

func TestAuditLogEmptyDetailsDefaultsToJSON(t *testing.T) {
	s := newMemStore(t)

	if err := s.InsertAuditLog(1, "alice", "test", "target", ""); err != nil {
		t.Fatalf("InsertAuditLog: %v", err)
	}

	entries, err := s.GetAuditLog("", 1)
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].DetailsJSON != "{}" {
		t.Errorf("expected empty details to be '{}', got %q", entries[0].DetailsJSON)
	}
}

// ---------------------------------------------------------------------------
// GetAllSettings
// ---------------------------------------------------------------------------

func TestGetAllSettings(t *testing.T) {
	s := newMemStore(t)

	s.SetSetting("key1", "val1")
	s.SetSetting("key2", "val2")
	s.SetSetting("key3", "val3")

	settings, err := s.GetAllSettings()
	if err != nil {
		t.Fatalf("GetAllSettings: %v", err)
	}
	if len(settings) != 3 {
		t.Fatalf("expected 3 settings, got %d", len(settings))
	}
	if settings["key1"] != "val1" || settings["key2"] != "val2" || settings["key3"] != "val3" {
		t.Errorf("unexpected settings: %v", settings)
	}
}

func TestGetAllSettingsEmpty(t *testing.T) {
	s := newMemStore(t)

	settings, err := s.GetAllSettings()
	if err != nil {
		t.Fatalf("GetAllSettings: %v", err)
	}
	if len(settings) != 0 {
		t.Errorf("expected empty map, got %v", settings)
	}
}

// ---------------------------------------------------------------------------
// Backup
// ---------------------------------------------------------------------------

func TestBackupCreatesValidDB(t *testing.T) {
	s := newMemStore(t)

	s.SetSetting("backup_test", "value123")
	s.TouchChatRoom("TestRoom")

	backupPath := t.TempDir() + "/backup.db"
	if err := s.Backup(backupPath); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	backup, err := New(backupPath)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer backup.Close()

	val, ok, err := backup.GetSetting("backup_test")
	if err != nil || !ok || val != "value123" {
		t.Errorf("backup setting: val=%q ok=%v err=%v", val, ok, err)
	}

	rooms, err := backup.GetChatRooms()
	if err != nil {
		t.Fatalf("GetChatRooms from backup: %v", err)
	}
	if len(rooms) != 1 || rooms[0].Name != "TestRoom" {
		t.Errorf("backup rooms: got %v", rooms)
	}
}

// ---------------------------------------------------------------------------
// IDB drift log
// ---------------------------------------------------------------------------

func TestIDBReferenceRoundTrip(t *testing.T) {
	s := newMemStore(t)

	ref := []byte{0x01, 0x02, 0x03, 0x04}
	if err := s.RecordIDBReference(12345, ref); err != nil {
		t.Fatalf("RecordIDBReference: %v", err)
	}

	got, ok, err := s.GetIDBReference(12345)
	if err != nil {
		t.Fatalf("GetIDBReference: %v", err)
	}
	if !ok {
		t.Fatal("expected reference to exist")
	}
	if string(got) != string(ref) {
		t.Errorf("reference bytes: got %v, want %v", got, ref)
	}
}

func TestIDBReferenceMissing(t *testing.T) {
	s := newMemStore(t)

	_, ok, err := s.GetIDBReference(999)
	if err != nil {
		t.Fatalf("GetIDBReference: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing gid")
	}
}

func TestIDBMismatchRecordingAccumulates(t *testing.T) {
	s := newMemStore(t)

	if err := s.RecordIDBReference(42, []byte{0xAA}); err != nil {
		t.Fatalf("RecordIDBReference: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.RecordIDBMismatch(42); err != nil {
			t.Fatalf("RecordIDBMismatch: %v", err)
		}
	}

	entries, err := s.GetIDBDriftLog()
	if err != nil {
		t.Fatalf("GetIDBDriftLog: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 drift entry, got %d", len(entries))
	}
	if entries[0].MismatchCount != 3 {
		t.Errorf("expected mismatch count 3, got %d", entries[0].MismatchCount)
	}
}

func TestIDBMismatchUnknownGID(t *testing.T) {
	s := newMemStore(t)

	err := s.RecordIDBMismatch(777)
	if err == nil {
		t.Error("expected error recording mismatch for unknown gid")
	}
}

// ---------------------------------------------------------------------------
// Chat ring buffer
// ---------------------------------------------------------------------------

func TestChatRingBufferTrimsToMaxLines(t *testing.T) {
	s := newMemStore(t)

	for i := 0; i < 10; i++ {
		if err := s.AppendChatLine("lobby", 5, "alice", "line", 5); err != nil {
			t.Fatalf("AppendChatLine %d: %v", i, err)
		}
	}

	lines, err := s.GetChatRingBuffer("lobby")
	if err != nil {
		t.Fatalf("GetChatRingBuffer: %v", err)
	}
	if len(lines) != 5 {
		t.Errorf("expected 5 lines after trim, got %d", len(lines))
	}
}

func TestChatRingBufferRoomIsolation(t *testing.T) {
	s := newMemStore(t)

	s.AppendChatLine("room-a", 2, "bob", "hi a", 100)
	s.AppendChatLine("room-b", 3, "carol", "hi b", 100)

	a, _ := s.GetChatRingBuffer("room-a")
	b, _ := s.GetChatRingBuffer("room-b")

	if len(a) != 1 || a[0].Body != "hi a" {
		t.Errorf("room-a: got %v", a)
	}
	if len(b) != 1 || b[0].Body != "hi b" {
		t.Errorf("room-b: got %v", b)
	}
}

// ---------------------------------------------------------------------------
// Concurrent audit log inserts
// ---------------------------------------------------------------------------

func TestConcurrentAuditLogInserts(t *testing.T) {
	s := newFileStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = s.InsertAuditLog(idx, "user", "action", "target", "{}")
			}
		}(i)
	}
	wg.Wait()

	count, err := s.AuditLogCount()
	if err != nil {
		t.Fatalf("AuditLogCount: %v", err)
	}
	if count == 0 {
		t.Error("expected at least some audit log entries after concurrent inserts")
	}
}

// ---------------------------------------------------------------------------
// GetAuditLog with limit / ordering
// ---------------------------------------------------------------------------

func TestGetAuditLogWithLimit(t *testing.T) {
	s := newMemStore(t)

	for i := 0; i < 20; i++ {
		s.InsertAuditLog(1, "alice", "action", "target", "{}")
	}

	entries, err := s.GetAuditLog("", 5)
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("expected 5 entries (limited), got %d", len(entries))
	}
}

func TestGetAuditLogMostRecentFirst(t *testing.T) {
	s := newMemStore(t)

	s.InsertAuditLog(1, "alice", "first", "t", "{}")
	s.InsertAuditLog(1, "alice", "second", "t", "{}")
	s.InsertAuditLog(1, "alice", "third", "t", "{}")

	entries, err := s.GetAuditLog("", 10)
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3, got %d", len(entries))
	}
	if entries[0].Action != "third" {
		t.Errorf("first entry should be most recent: got %q", entries[0].Action)
	}
	if entries[2].Action != "first" {
		t.Errorf("last entry should be oldest: got %q", entries[2].Action)
	}
}

// ---------------------------------------------------------------------------
// XFER log ordering and concurrency
// ---------------------------------------------------------------------------

func TestGetXferLogMostRecentFirst(t *testing.T) {
	s := newMemStore(t)

	s.InsertXferLog("tx-1", "download", "alice", "a.txt", 10)
	s.InsertXferLog("tx-2", "upload", "bob", "b.txt", 20)

	entries, err := s.GetXferLog(10)
	if err != nil {
		t.Fatalf("GetXferLog: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].TransferID != "tx-2" {
		t.Errorf("expected most recent first, got %q", entries[0].TransferID)
	}
}

func TestConcurrentXferLogInserts(t *testing.T) {
	s := newFileStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_ = s.InsertXferLog("tx", "download", "user", "f.bin", 1)
			}
		}(i)
	}
	wg.Wait()

	entries, err := s.GetXferLog(1000)
	if err != nil {
		t.Fatalf("GetXferLog: %v", err)
	}
	if len(entries) == 0 {
		t.Error("expected at least some xfer log entries after concurrent inserts")
	}
}
