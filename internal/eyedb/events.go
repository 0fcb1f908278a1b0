package eyedb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/argus-data/watchtower/internal/memory"
)

// SecurityEvent is one row of the security_events table.
type SecurityEvent struct {
	ID               int64           `json:"id"`
	Status           string          `json:"status"`
	StartTime        string          `json:"start_time"`
	EndTime          string          `json:"end_time"`
	TargetData       json.RawMessage `json:"target_data"`
	RefineData       json.RawMessage `json:"refine_data"`
	SysSummary       string          `json:"sys_summary"`
	ExternalAnalysis sql.NullString  `json:"-"`
	IsAbnormal       bool            `json:"is_abnormal"`
	AlertTags        string          `json:"alert_tags"`
	SnapshotPath     sql.NullString  `json:"-"`
}

// Observation is one row of the observation_stream table.
type Observation struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Content   string `json:"content"`
	Target    string `json:"target"`
}

// InsertEventRow opens a new ongoing event and returns its id. Synchronous
// so the caller holds a valid id before anything references the event.
func (db *DB) InsertEventRow(ctx context.Context, startTime time.Time, classes []string) (int64, error) {
	ts := startTime.Format(timeLayout)
	res, err := db.ExecContext(ctx, `
		INSERT INTO security_events (status, start_time, end_time, alert_tags)
		VALUES ('ongoing', ?, ?, ?)
	`, ts, ts, strings.Join(classes, ","))
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}
	return id, nil
}

// FinalizeEventRow marks an event completed with its final rollup.
func (db *DB) FinalizeEventRow(ctx context.Context, id int64, endTime time.Time, summary memory.EventSummary) error {
	targetData, err := json.Marshal(summary.MaxCounts)
	if err != nil {
		return fmt.Errorf("marshal target data: %w", err)
	}
	refineData, err := json.Marshal(summary.Features)
	if err != nil {
		return fmt.Errorf("marshal refine data: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		UPDATE security_events
		SET status = 'completed', end_time = ?, target_data = ?, refine_data = ?,
		    sys_summary = ?, alert_tags = ?
		WHERE id = ?
	`, endTime.Format(timeLayout), string(targetData), string(refineData),
		strings.Join(summary.Descriptions, "\n"), strings.Join(summary.Classes, ","), id)
	if err != nil {
		return fmt.Errorf("finalize event %d: %w", id, err)
	}
	return nil
}

// SetEventAbnormal flags an event and records the reason.
func (db *DB) SetEventAbnormal(ctx context.Context, id int64, reason string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE security_events SET is_abnormal = 1, external_analysis = ? WHERE id = ?
	`, reason, id)
	if err != nil {
		return fmt.Errorf("flag event %d: %w", id, err)
	}
	return nil
}

// SetEventSnapshot records the snapshot file written for an event.
func (db *DB) SetEventSnapshot(ctx context.Context, id int64, path string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE security_events SET snapshot_path = ? WHERE id = ?
	`, path, id)
	if err != nil {
		return fmt.Errorf("set snapshot for event %d: %w", id, err)
	}
	return nil
}

// RecentEvents returns the newest events, most recent first.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]SecurityEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, status, start_time, end_time, target_data, refine_data,
		       sys_summary, external_analysis, is_abnormal, alert_tags, snapshot_path
		FROM security_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		var ev SecurityEvent
		var target, refine string
		if err := rows.Scan(&ev.ID, &ev.Status, &ev.StartTime, &ev.EndTime,
			&target, &refine, &ev.SysSummary, &ev.ExternalAnalysis,
			&ev.IsAbnormal, &ev.AlertTags, &ev.SnapshotPath); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.TargetData = json.RawMessage(target)
		ev.RefineData = json.RawMessage(refine)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecentObservations returns the newest observation lines, most recent first.
func (db *DB) RecentObservations(ctx context.Context, limit int) ([]Observation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, timestamp, content, target
		FROM observation_stream
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var obs []Observation
	for rows.Next() {
		var o Observation
		if err := rows.Scan(&o.ID, &o.Timestamp, &o.Content, &o.Target); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		obs = append(obs, o)
	}
	return obs, rows.Err()
}
