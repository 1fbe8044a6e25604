package database

import (
	"fmt"
	"time"
)

// SnapshotRow mirrors one row of traffic_snapshots.
type SnapshotRow struct {
	ID                int64     `json:"id"`
	Timestamp         time.Time `json:"ts"`
	IntersectionID    string    `json:"intersection_id"`
	ApproachID        string    `json:"approach_id"`
	VehicleCount      int       `json:"vehicle_count"`
	QueueLength       int       `json:"queue_length"`
	GrowthRate        float64   `json:"growth_rate"`
	EmergencyDetected bool      `json:"emergency_detected"`
	Direction         string    `json:"direction"`
}

// TransitionRow mirrors one row of signal_transitions.
type TransitionRow struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"ts"`
	IntersectionID string    `json:"intersection_id"`
	FromPhase      string    `json:"from_phase"`
	ToPhase        string    `json:"to_phase"`
	DurationMS     int64     `json:"duration_ms"`
	Source         string    `json:"source"`
	Reason         string    `json:"reason"`
	SnapshotRef    int64     `json:"snapshot_ref,omitempty"`
}

// TraceRow mirrors one row of decision_traces.
type TraceRow struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"ts"`
	IntersectionID string    `json:"intersection_id"`
	Phase          string    `json:"phase"`
	Source         string    `json:"source"`
	QueueLength    int       `json:"queue_length"`
	GrowthRate     float64   `json:"growth_rate"`
	BiasMS         int64     `json:"bias_ms"`
	DurationMS     int64     `json:"duration_ms"`
	Reason         string    `json:"reason"`
	TimingEngine   string    `json:"timing_engine"`
	EngineVersion  string    `json:"engine_version"`
	TimingContract string    `json:"timing_contract_version"`
	ReplayDigest   string    `json:"replay_digest"`
}

// LogSnapshot appends one accepted traffic snapshot and returns its row ID
// so transitions can reference the snapshot that triggered them.
func LogSnapshot(row SnapshotRow) (int64, error) {
	handle := GetDB()
	if handle == nil {
		return 0, fmt.Errorf("db not initialized")
	}
	res, err := handle.Exec(`
INSERT INTO traffic_snapshots(
	ts, intersection_id, approach_id, vehicle_count, queue_length,
	growth_rate, emergency_detected, direction
) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`, row.Timestamp, row.IntersectionID, row.ApproachID, row.VehicleCount,
		row.QueueLength, row.GrowthRate, boolToInt(row.EmergencyDetected), row.Direction)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return res.LastInsertId()
}

// LogTransition appends one signal transition. snapshotRef of zero is
// stored as NULL.
func LogTransition(row TransitionRow) error {
	handle := GetDB()
	if handle == nil {
		return fmt.Errorf("db not initialized")
	}
	var ref any
	if row.SnapshotRef > 0 {
		ref = row.SnapshotRef
	}
	_, err := handle.Exec(`
INSERT INTO signal_transitions(
	ts, intersection_id, from_phase, to_phase, duration_ms, source, reason, snapshot_ref
) VALUES(?, ?, ?, ?, ?, ?, ?, ?)
`, row.Timestamp, row.IntersectionID, row.FromPhase, row.ToPhase,
		row.DurationMS, row.Source, row.Reason, ref)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// LogDecisionTrace appends one timing decision trace.
func LogDecisionTrace(row TraceRow) (int64, error) {
	handle := GetDB()
	if handle == nil {
		return 0, fmt.Errorf("db not initialized")
	}
	res, err := handle.Exec(`
INSERT INTO decision_traces(
	ts, intersection_id, phase, source, queue_length, growth_rate,
	bias_ms, duration_ms, reason, timing_engine, engine_version,
	timing_contract_version, replay_digest
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, row.Timestamp, row.IntersectionID, row.Phase, row.Source, row.QueueLength,
		row.GrowthRate, row.BiasMS, row.DurationMS, row.Reason,
		row.TimingEngine, row.EngineVersion, row.TimingContract, row.ReplayDigest)
	if err != nil {
		return 0, fmt.Errorf("insert decision trace: %w", err)
	}
	return res.LastInsertId()
}

// LogAuditEvent records who did what through the admin surface.
func LogAuditEvent(actor, action, detail, commandID string) error {
	handle := GetDB()
	if handle == nil {
		return fmt.Errorf("db not initialized")
	}
	var cmd any
	if commandID != "" {
		cmd = commandID
	}
	_, err := handle.Exec(`
INSERT INTO audit_events(actor, action, detail, command_id) VALUES(?, ?, ?, ?)
`, actor, action, detail, cmd)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// GetTransitions returns transitions in [since, until], newest first,
// capped at limit.
func GetTransitions(since, until time.Time, limit int) ([]TransitionRow, error) {
	handle := GetDB()
	if handle == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := handle.Query(`
SELECT id, ts, intersection_id, from_phase, to_phase, duration_ms, source, reason,
	COALESCE(snapshot_ref, 0)
FROM signal_transitions
WHERE ts BETWEEN ? AND ?
ORDER BY ts DESC
LIMIT ?
`, since, until, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionRow
	for rows.Next() {
		var r TransitionRow
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.IntersectionID, &r.FromPhase,
			&r.ToPhase, &r.DurationMS, &r.Source, &r.Reason, &r.SnapshotRef); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSnapshots returns snapshots in [since, until], newest first, capped
// at limit.
func GetSnapshots(since, until time.Time, limit int) ([]SnapshotRow, error) {
	handle := GetDB()
	if handle == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := handle.Query(`
SELECT id, ts, intersection_id, approach_id, vehicle_count, queue_length,
	growth_rate, emergency_detected, direction
FROM traffic_snapshots
WHERE ts BETWEEN ? AND ?
ORDER BY ts DESC
LIMIT ?
`, since, until, limit)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		var r SnapshotRow
		var emergency int
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.IntersectionID, &r.ApproachID,
			&r.VehicleCount, &r.QueueLength, &r.GrowthRate, &emergency, &r.Direction); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		r.EmergencyDetected = emergency != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetDecisionTrace loads one trace by ID for replay verification.
func GetDecisionTrace(id int64) (TraceRow, error) {
	handle := GetDB()
	if handle == nil {
		return TraceRow{}, fmt.Errorf("db not initialized")
	}
	var r TraceRow
	err := handle.QueryRow(`
SELECT id, ts, intersection_id, phase, source, queue_length, growth_rate,
	bias_ms, duration_ms, reason, timing_engine, engine_version,
	timing_contract_version, replay_digest
FROM decision_traces WHERE id = ?
`, id).Scan(&r.ID, &r.Timestamp, &r.IntersectionID, &r.Phase, &r.Source,
		&r.QueueLength, &r.GrowthRate, &r.BiasMS, &r.DurationMS, &r.Reason,
		&r.TimingEngine, &r.EngineVersion, &r.TimingContract, &r.ReplayDigest)
	if err != nil {
		return TraceRow{}, err
	}
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
