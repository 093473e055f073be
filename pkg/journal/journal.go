// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package journal is the append-only event/log journal:
// every node state transition produces exactly one entry here, as do
// node registration and workflow reloads. Clone-session status
// transitions are not recorded here. It is a thin facade over the persistence store's event
// repository, giving the rest of the control plane a single narrow
// interface to record and read activity without importing internal/storage
// directly.
package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pureboot/controller/pkg/resources/node"
)

// Store is the persistence dependency journal needs — satisfied by
// *internal/storage.Store.
type Store interface {
	AppendEvent(ctx context.Context, e *node.Event) error
	ListEventsForNode(ctx context.Context, nodeID string) ([]*node.Event, error)
	StateHistory(ctx context.Context, nodeID string) ([]*node.Event, error)
}

// Journal records and replays NodeEvents.
type Journal struct {
	store Store
}

// New creates a Journal backed by store.
func New(store Store) *Journal {
	return &Journal{store: store}
}

// Record appends a new event with a freshly minted id and timestamp.
func (j *Journal) Record(ctx context.Context, nodeID string, kind node.EventKind, source node.EventSource, payload map[string]any) error {
	e := &node.Event{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Source:    source,
		Payload:   payload,
	}
	return j.store.AppendEvent(ctx, e)
}

// SystemNodeID is the synthetic node id that process-scoped events
// (workflow reloads) are journaled under; they land in the same
// append-only table as per-node events.
const SystemNodeID = "system"

// RecordSystem appends an event that is not tied to a single node.
func (j *Journal) RecordSystem(ctx context.Context, kind node.EventKind, payload map[string]any) error {
	return j.Record(ctx, SystemNodeID, kind, node.SourceController, payload)
}

// RecordTransition appends the single NodeEvent a state transition must
// produce: every state transition produces exactly one NodeEvent.
func (j *Journal) RecordTransition(ctx context.Context, nodeID string, t node.StateTransition) error {
	return j.Record(ctx, nodeID, node.EventStateChange, node.SourceController, t.ToPayload())
}

// Events returns every event for a node, chronological.
func (j *Journal) Events(ctx context.Context, nodeID string) ([]*node.Event, error) {
	return j.store.ListEventsForNode(ctx, nodeID)
}

// History returns only the state-change events for a node — the view
// backing GET /nodes/{id}/history.
func (j *Journal) History(ctx context.Context, nodeID string) ([]*node.Event, error) {
	return j.store.StateHistory(ctx, nodeID)
}
