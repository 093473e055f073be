// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/pureboot/controller/pkg/resources/session"
)

const sessionColumns = `id, source_node_id, target_node_ids, mode, status, staging_status, staging_type,
	resize_mode, resize_plan, compression, total_bytes, source_progress, target_progress,
	source_ip, source_port, source_device, created_at, source_ready_at, streaming_at,
	terminal_at, error_text, error_code`

func scanSession(row interface{ Scan(...any) error }) (*session.CloneSession, error) {
	var cs session.CloneSession
	var targets, plan, srcProgress, tgtProgress, stagingType sql.NullString
	var createdAt, sourceReadyAt, streamingAt, terminalAt string
	var compression int
	err := row.Scan(
		&cs.ID, &cs.SourceNodeID, &targets, &cs.Mode, &cs.Status, &cs.StagingStatus, &stagingType,
		&cs.ResizeMode, &plan, &compression, &cs.TotalBytes, &srcProgress, &tgtProgress,
		&cs.SourceIP, &cs.SourcePort, &cs.SourceDevice, &createdAt, &sourceReadyAt, &streamingAt,
		&terminalAt, &cs.ErrorText, &cs.ErrorCode,
	)
	if err != nil {
		return nil, err
	}
	if stagingType.Valid {
		cs.StagingType = session.StagingAllocationType(stagingType.String)
	}
	cs.Compression = compression != 0
	cs.CreatedAt = parseTime(createdAt)
	cs.SourceReadyAt = parseTimePtr(sourceReadyAt)
	cs.StreamingAt = parseTimePtr(streamingAt)
	cs.TerminalAt = parseTimePtr(terminalAt)
	if targets.Valid && targets.String != "" {
		_ = json.Unmarshal([]byte(targets.String), &cs.TargetNodeIDs)
	}
	if plan.Valid && plan.String != "" {
		_ = json.Unmarshal([]byte(plan.String), &cs.ResizePlan)
	}
	if srcProgress.Valid && srcProgress.String != "" {
		_ = json.Unmarshal([]byte(srcProgress.String), &cs.Source)
	}
	if tgtProgress.Valid && tgtProgress.String != "" {
		_ = json.Unmarshal([]byte(tgtProgress.String), &cs.Target)
	}
	return &cs, nil
}

// InsertSession creates a new clone-session row.
func (s *Store) InsertSession(ctx context.Context, cs *session.CloneSession) error {
	targets, _ := json.Marshal(cs.TargetNodeIDs)
	plan, _ := json.Marshal(cs.ResizePlan)
	srcProgress, _ := json.Marshal(cs.Source)
	tgtProgress, _ := json.Marshal(cs.Target)
	compression := 0
	if cs.Compression {
		compression = 1
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO clone_sessions (`+sessionColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			cs.ID, cs.SourceNodeID, string(targets), cs.Mode, cs.Status, cs.StagingStatus, string(cs.StagingType),
			cs.ResizeMode, string(plan), compression, cs.TotalBytes, string(srcProgress), string(tgtProgress),
			cs.SourceIP, cs.SourcePort, cs.SourceDevice, cs.CreatedAt.UTC().Format(time.RFC3339Nano),
			timePtrString(cs.SourceReadyAt), timePtrString(cs.StreamingAt), timePtrString(cs.TerminalAt),
			cs.ErrorText, cs.ErrorCode,
		)
		return err
	})
}

// GetSession fetches a clone session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*session.CloneSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM clone_sessions WHERE id = ?`, id)
	cs, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cs, err
}

// UpdateSession persists the full mutable state of a session (it is
// always read back under the caller's per-session lock before writing —
// see pkg/clonesession).
func (s *Store) UpdateSession(ctx context.Context, cs *session.CloneSession) error {
	plan, _ := json.Marshal(cs.ResizePlan)
	srcProgress, _ := json.Marshal(cs.Source)
	tgtProgress, _ := json.Marshal(cs.Target)
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE clone_sessions SET status=?, staging_status=?, resize_plan=?, total_bytes=?,
				source_progress=?, target_progress=?, source_ip=?, source_port=?, source_device=?,
				source_ready_at=?, streaming_at=?, terminal_at=?, error_text=?, error_code=?
			WHERE id = ?`,
			cs.Status, cs.StagingStatus, string(plan), cs.TotalBytes, string(srcProgress), string(tgtProgress),
			cs.SourceIP, cs.SourcePort, cs.SourceDevice,
			timePtrString(cs.SourceReadyAt), timePtrString(cs.StreamingAt), timePtrString(cs.TerminalAt),
			cs.ErrorText, cs.ErrorCode, cs.ID,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// FindActiveSessionForNode returns the node's non-terminal session, if
// any — used to enforce the "at most one non-terminal CloneSession per
// node" invariant.
func (s *Store) FindActiveSessionForNode(ctx context.Context, nodeID string) (*session.CloneSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM clone_sessions
		WHERE (source_node_id = ? OR target_node_ids LIKE '%' || ? || '%')
		AND status NOT IN (?, ?, ?)`,
		nodeID, nodeID, string(session.StatusComplete), string(session.StatusFailed), string(session.StatusCancelled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		return cs, nil
	}
	return nil, rows.Err()
}

// ListTerminalSessionsSince returns every session that reached a terminal
// status at or after since — the sweep's candidate set for releasing
// certs/staging past the grace window.
func (s *Store) ListTerminalSessionsSince(ctx context.Context, since time.Time) ([]*session.CloneSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM clone_sessions
		WHERE status IN (?, ?, ?) AND terminal_at >= ?`,
		string(session.StatusComplete), string(session.StatusFailed), string(session.StatusCancelled),
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.CloneSession
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}
