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

	"github.com/pureboot/controller/pkg/resources/partition"
)

const partitionColumns = `id, node_id, sequence, verb, device, params, status, created_at, started_at, finished_at, message, result`

func scanOp(row interface{ Scan(...any) error }) (*partition.Operation, error) {
	var op partition.Operation
	var params, result sql.NullString
	var createdAt, startedAt, finishedAt string
	err := row.Scan(&op.ID, &op.NodeID, &op.Sequence, &op.Verb, &op.Device, &params,
		&op.Status, &createdAt, &startedAt, &finishedAt, &op.Message, &result)
	if err != nil {
		return nil, err
	}
	op.CreatedAt = parseTime(createdAt)
	op.StartedAt = parseTimePtr(startedAt)
	op.FinishedAt = parseTimePtr(finishedAt)
	if params.Valid && params.String != "" {
		_ = json.Unmarshal([]byte(params.String), &op.Params)
	}
	if result.Valid && result.String != "" {
		_ = json.Unmarshal([]byte(result.String), &op.Result)
	}
	return &op, nil
}

// NextSequence returns the next monotonically increasing sequence number
// for a node's partition-operation FIFO.
func (s *Store) NextSequence(ctx context.Context, nodeID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) + 1 FROM partition_operations WHERE node_id = ?`, nodeID)
	var next int64
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

// InsertPartitionOp appends a new queued operation.
func (s *Store) InsertPartitionOp(ctx context.Context, op *partition.Operation) error {
	params, _ := json.Marshal(op.Params)
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO partition_operations (`+partitionColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
			op.ID, op.NodeID, op.Sequence, op.Verb, op.Device, string(params), op.Status,
			op.CreatedAt.UTC().Format(time.RFC3339Nano),
			timePtrString(op.StartedAt), timePtrString(op.FinishedAt), op.Message, nil,
		)
		return err
	})
}

// GetPartitionOp fetches one operation by id.
func (s *Store) GetPartitionOp(ctx context.Context, id string) (*partition.Operation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+partitionColumns+` FROM partition_operations WHERE id = ?`, id)
	op, err := scanOp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return op, err
}

// ListPartitionOps returns a node's operations, optionally filtered by
// status, ordered by sequence.
func (s *Store) ListPartitionOps(ctx context.Context, nodeID string, status string) ([]*partition.Operation, error) {
	query := `SELECT ` + partitionColumns + ` FROM partition_operations WHERE node_id = ?`
	args := []any{nodeID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY sequence`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*partition.Operation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// ListInProgressOlderThan finds in_progress operations whose started_at
// predates cutoff, used by the stale-recovery sweep.
func (s *Store) ListInProgressOlderThan(ctx context.Context, cutoffRFC3339 string) ([]*partition.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+partitionColumns+` FROM partition_operations
		WHERE status = ? AND started_at IS NOT NULL AND started_at != '' AND started_at < ?`,
		string(partition.StatusInProgress), cutoffRFC3339)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*partition.Operation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// UpdatePartitionOpStatus transitions an operation's status and optional
// message/result/timestamps.
func (s *Store) UpdatePartitionOpStatus(ctx context.Context, op *partition.Operation) error {
	result, _ := json.Marshal(op.Result)
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE partition_operations SET status=?, started_at=?, finished_at=?, message=?, result=?
			WHERE id = ?`,
			op.Status, timePtrString(op.StartedAt), timePtrString(op.FinishedAt), op.Message, string(result), op.ID,
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

// CountInProgress reports how many operations for nodeID are currently
// in_progress — must never exceed 1.
func (s *Store) CountInProgress(ctx context.Context, nodeID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM partition_operations WHERE node_id = ? AND status = ?`,
		nodeID, string(partition.StatusInProgress))
	var n int
	err := row.Scan(&n)
	return n, err
}

// DeleteTerminalOlderThan removes completed/failed operations past the
// retention window and returns how many rows were removed.
func (s *Store) DeleteTerminalOlderThan(ctx context.Context, cutoffRFC3339 string) (int64, error) {
	var affected int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM partition_operations
			WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at != '' AND finished_at < ?`,
			string(partition.StatusCompleted), string(partition.StatusFailed), cutoffRFC3339)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}
