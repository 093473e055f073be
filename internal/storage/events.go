// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pureboot/controller/pkg/resources/node"
)

// AppendEvent writes an immutable NodeEvent row. Events are
// never updated or deleted through the public API.
func (s *Store) AppendEvent(ctx context.Context, e *node.Event) error {
	payload, _ := json.Marshal(e.Payload)
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO node_events (id, node_id, timestamp, kind, source, payload)
			VALUES (?,?,?,?,?,?)`,
			e.ID, e.NodeID, e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.Kind), string(e.Source), string(payload),
		)
		return err
	})
}

// ListEventsForNode returns every event for a node in chronological order.
func (s *Store) ListEventsForNode(ctx context.Context, nodeID string) ([]*node.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, timestamp, kind, source, payload FROM node_events
		WHERE node_id = ? ORDER BY timestamp`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*node.Event
	for rows.Next() {
		var e node.Event
		var ts, payload string
		if err := rows.Scan(&e.ID, &e.NodeID, &ts, &e.Kind, &e.Source, &payload); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &e.Payload)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// StateHistory extracts only the state-change events for a node, the
// view backing GET /nodes/{id}/history.
func (s *Store) StateHistory(ctx context.Context, nodeID string) ([]*node.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node_id, timestamp, kind, source, payload FROM node_events
		WHERE node_id = ? AND kind = ? ORDER BY timestamp`, nodeID, string(node.EventStateChange))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*node.Event
	for rows.Next() {
		var e node.Event
		var ts, payload string
		if err := rows.Scan(&e.ID, &e.NodeID, &ts, &e.Kind, &e.Source, &payload); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &e.Payload)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
