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

// UpsertDiskReport replaces the stored scan result for a node wholesale.
func (s *Store) UpsertDiskReport(ctx context.Context, r *partition.Report) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO disk_reports (node_id, payload, observed_at) VALUES (?, ?, ?)
			ON CONFLICT(node_id) DO UPDATE SET payload = excluded.payload, observed_at = excluded.observed_at`,
			r.NodeID, string(payload), r.ObservedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

// GetDiskReport fetches the last-observed scan result for a node.
func (s *Store) GetDiskReport(ctx context.Context, nodeID string) (*partition.Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM disk_reports WHERE node_id = ?`, nodeID)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var r partition.Report
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, err
	}
	return &r, nil
}
