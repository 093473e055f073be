// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pureboot/controller/pkg/resources/node"
)

// ErrNotFound is returned by repository Get methods when no row matches.
var ErrNotFound = errors.New("not found")

// ErrDuplicateMAC is returned by InsertNode when the MAC already exists.
var ErrDuplicateMAC = errors.New("duplicate mac")

func scanNode(row interface{ Scan(...any) error }) (*node.Node, error) {
	var n node.Node
	var tagsJSON, groupID, workflowID, activeSession, pendingCmd sql.NullString
	var discoveredAt, lastSeen, createdAt, updatedAt string
	err := row.Scan(
		&n.ID, &n.MAC, &n.Hostname, &n.Arch, &n.BootMode, &n.Vendor, &n.Model, &n.Serial,
		&n.IPHint, &tagsJSON, &groupID, &workflowID, &n.State,
		&discoveredAt, &lastSeen, &activeSession, &pendingCmd, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.DiscoveredAt = parseTime(discoveredAt)
	n.LastSeen = parseTime(lastSeen)
	n.CreatedAt = parseTime(createdAt)
	n.UpdatedAt = parseTime(updatedAt)
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &n.Tags)
	}
	n.GroupID = groupID.String
	n.WorkflowID = workflowID.String
	n.ActiveCloneSessionID = activeSession.String
	n.PendingCommand = pendingCmd.String
	return &n, nil
}

const nodeColumns = `id, mac, hostname, arch, boot_mode, vendor, model, serial, ip_hint, tags,
	group_id, workflow_id, state, discovered_at, last_seen, active_clone_session_id,
	pending_command, created_at, updated_at`

// GetNodeByID fetches a node by its UUID.
func (s *Store) GetNodeByID(ctx context.Context, id string) (*node.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

// GetNodeByMAC fetches a node by its normalized MAC address.
func (s *Store) GetNodeByMAC(ctx context.Context, mac string) (*node.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE mac = ?`, mac)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

// ListNodes returns every node, ordered by discovery time.
func (s *Store) ListNodes(ctx context.Context) ([]*node.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY discovered_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*node.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// InsertNode creates a new node row. Returns ErrDuplicateMAC if the MAC
// already exists (exactly one canonical MAC per node).
func (s *Store) InsertNode(ctx context.Context, n *node.Node) error {
	tagsJSON, _ := json.Marshal(n.Tags)
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO nodes (`+nodeColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			n.ID, n.MAC, n.Hostname, n.Arch, n.BootMode, n.Vendor, n.Model, n.Serial,
			n.IPHint, string(tagsJSON), n.GroupID, n.WorkflowID, n.State,
			n.DiscoveredAt.UTC().Format(time.RFC3339Nano), n.LastSeen.UTC().Format(time.RFC3339Nano),
			n.ActiveCloneSessionID, n.PendingCommand,
			n.CreatedAt.UTC().Format(time.RFC3339Nano), n.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: nodes.mac") {
			return ErrDuplicateMAC
		}
		return err
	})
}

// UpdateNode replaces every mutable column of an existing node row.
func (s *Store) UpdateNode(ctx context.Context, n *node.Node) error {
	tagsJSON, _ := json.Marshal(n.Tags)
	n.UpdatedAt = time.Now().UTC()
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE nodes SET hostname=?, arch=?, boot_mode=?, vendor=?, model=?, serial=?,
				ip_hint=?, tags=?, group_id=?, workflow_id=?, state=?, last_seen=?,
				active_clone_session_id=?, pending_command=?, updated_at=?
			WHERE id = ?`,
			n.Hostname, n.Arch, n.BootMode, n.Vendor, n.Model, n.Serial, n.IPHint,
			string(tagsJSON), n.GroupID, n.WorkflowID, n.State,
			n.LastSeen.UTC().Format(time.RFC3339Nano), n.ActiveCloneSessionID, n.PendingCommand,
			n.UpdatedAt.Format(time.RFC3339Nano), n.ID,
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

// DeleteNode removes a node row permanently (admin action only; retirement
// is a state, not a deletion).
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
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

// NodeStats is the aggregate view backing GET /nodes/stats.
type NodeStats struct {
	Total              int            `json:"total"`
	ByState            map[string]int `json:"by_state"`
	DiscoveredLastHour int            `json:"discovered_last_hour"`
	InstallingCount    int            `json:"installing_count"`
}

// Stats computes the node-count aggregate view.
func (s *Store) Stats(ctx context.Context) (*NodeStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM nodes GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &NodeStats{ByState: map[string]int{}}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats.ByState[state] = count
		stats.Total += count
		if state == "installing" {
			stats.InstallingCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE discovered_at >= ?`, cutoff)
	if err := row.Scan(&stats.DiscoveredLastHour); err != nil {
		return nil, fmt.Errorf("scan discovered_last_hour: %w", err)
	}
	return stats, nil
}
