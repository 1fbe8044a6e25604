package database

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func setupTempDB(t *testing.T) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crosslight_test.db")
	if err := InitDB(path); err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(CloseDB)
}

func TestResolveDBPath(t *testing.T) {
	if got := resolveDBPath("/tmp/explicit.db"); got != "/tmp/explicit.db" {
		t.Errorf("explicit path = %q", got)
	}

	t.Setenv("CROSSLIGHT_DB_PATH", "/tmp/from-env.db")
	if got := resolveDBPath(""); got != "/tmp/from-env.db" {
		t.Errorf("env path = %q", got)
	}
	if got := resolveDBPath("  /tmp/explicit.db "); got != "/tmp/explicit.db" {
		t.Errorf("trimmed path = %q", got)
	}

	t.Setenv("CROSSLIGHT_DB_PATH", "")
	if got := resolveDBPath(""); got != defaultDBPath {
		t.Errorf("default path = %q", got)
	}
}

func TestInitDBIdempotent(t *testing.T) {
	setupTempDB(t)
	if err := InitDB(filepath.Join(t.TempDir(), "other.db")); err != nil {
		t.Fatalf("second InitDB: %v", err)
	}
	if GetDB() == nil {
		t.Fatal("GetDB returned nil after init")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	setupTempDB(t)
	ts := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	id, err := LogSnapshot(SnapshotRow{
		Timestamp:         ts,
		IntersectionID:    "intersection-1",
		ApproachID:        "north",
		VehicleCount:      42,
		QueueLength:       17,
		GrowthRate:        1.5,
		EmergencyDetected: true,
		Direction:         "NS",
	})
	if err != nil {
		t.Fatalf("LogSnapshot: %v", err)
	}
	if id == 0 {
		t.Fatal("LogSnapshot returned zero row ID")
	}

	rows, err := GetSnapshots(ts.Add(-time.Minute), ts.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("GetSnapshots: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	got := rows[0]
	if got.ID != id || got.ApproachID != "north" || got.QueueLength != 17 {
		t.Errorf("row = %+v", got)
	}
	if !got.EmergencyDetected {
		t.Error("emergency flag lost in round trip")
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("ts = %s, want %s", got.Timestamp, ts)
	}
}

func TestTransitionRoundTripAndOrdering(t *testing.T) {
	setupTempDB(t)
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	for i, to := range []string{"NS_GREEN", "NS_YELLOW", "ALL_RED"} {
		row := TransitionRow{
			Timestamp:      base.Add(time.Duration(i) * time.Second),
			IntersectionID: "intersection-1",
			FromPhase:      "ALL_RED",
			ToPhase:        to,
			DurationMS:     20000,
			Source:         "policy",
			Reason:         "cycle",
		}
		if i == 2 {
			row.SnapshotRef = 7
		}
		if err := LogTransition(row); err != nil {
			t.Fatalf("LogTransition: %v", err)
		}
	}

	rows, err := GetTransitions(base, base.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("GetTransitions: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	// Newest first.
	if rows[0].ToPhase != "ALL_RED" || rows[2].ToPhase != "NS_GREEN" {
		t.Errorf("ordering wrong: %s .. %s", rows[0].ToPhase, rows[2].ToPhase)
	}
	if rows[0].SnapshotRef != 7 {
		t.Errorf("snapshot_ref = %d, want 7", rows[0].SnapshotRef)
	}
	// A missing reference reads back as zero, not an error.
	if rows[1].SnapshotRef != 0 {
		t.Errorf("snapshot_ref = %d, want 0 for NULL", rows[1].SnapshotRef)
	}
}

func TestTransitionWindowAndLimit(t *testing.T) {
	setupTempDB(t)
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		err := LogTransition(TransitionRow{
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			IntersectionID: "intersection-1",
			FromPhase:      "NS_GREEN",
			ToPhase:        "NS_YELLOW",
			DurationMS:     3000,
			Source:         "policy",
			Reason:         "cycle",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	rows, err := GetTransitions(base.Add(time.Minute), base.Add(3*time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Errorf("window rows = %d, want 3", len(rows))
	}

	rows, err = GetTransitions(base, base.Add(time.Hour), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Errorf("limited rows = %d, want 2", len(rows))
	}
}

func TestDecisionTraceRoundTrip(t *testing.T) {
	setupTempDB(t)
	ts := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	id, err := LogDecisionTrace(TraceRow{
		Timestamp:      ts,
		IntersectionID: "intersection-1",
		Phase:          "NS_GREEN",
		Source:         "policy",
		QueueLength:    12,
		GrowthRate:     0.8,
		BiasMS:         1500,
		DurationMS:     23000,
		Reason:         "queue growth",
		TimingEngine:   "adaptive",
		EngineVersion:  "1.2.0",
		TimingContract: "v1",
		ReplayDigest:   "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
	})
	if err != nil {
		t.Fatalf("LogDecisionTrace: %v", err)
	}

	got, err := GetDecisionTrace(id)
	if err != nil {
		t.Fatalf("GetDecisionTrace: %v", err)
	}
	if got.Phase != "NS_GREEN" || got.DurationMS != 23000 || got.BiasMS != 1500 {
		t.Errorf("trace = %+v", got)
	}
	if got.EngineVersion != "1.2.0" || got.ReplayDigest == "" {
		t.Errorf("engine fields = %q %q", got.EngineVersion, got.ReplayDigest)
	}
}

func TestGetDecisionTraceMissing(t *testing.T) {
	setupTempDB(t)
	_, err := GetDecisionTrace(99999)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestAuditEventInsert(t *testing.T) {
	setupTempDB(t)
	if err := LogAuditEvent("operator-7", "override.submit", "forced EW_GREEN", "ovr_abc"); err != nil {
		t.Fatalf("LogAuditEvent: %v", err)
	}
	if err := LogAuditEvent("operator-7", "override.cancel", "", ""); err != nil {
		t.Fatalf("LogAuditEvent without command: %v", err)
	}

	var count int
	if err := GetDB().QueryRow(`SELECT COUNT(*) FROM audit_events`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("audit rows = %d, want 2", count)
	}
	var cmd sql.NullString
	err := GetDB().QueryRow(
		`SELECT command_id FROM audit_events WHERE action = 'override.cancel'`).Scan(&cmd)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Valid {
		t.Error("empty command ID should be stored as NULL")
	}
}

func TestWritesFailWithoutInit(t *testing.T) {
	CloseDB()
	if _, err := LogSnapshot(SnapshotRow{}); err == nil {
		t.Error("LogSnapshot should fail before InitDB")
	}
	if err := LogTransition(TransitionRow{}); err == nil {
		t.Error("LogTransition should fail before InitDB")
	}
	if _, err := GetTransitions(time.Time{}, time.Now(), 10); err == nil {
		t.Error("GetTransitions should fail before InitDB")
	}
}
