// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package statemachine validates and records node lifecycle transitions.
// It is the sole authority for state changes: every ingress path that
// mutates a node's state routes through Transition.
package statemachine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pureboot/controller/internal/keylock"
	"github.com/pureboot/controller/pkg/apierror"
	"github.com/pureboot/controller/pkg/journal"
	"github.com/pureboot/controller/pkg/resources/node"
)

// edges enumerates every valid (from, to) pair. Any pair absent here is
// rejected.
var edges = map[string]map[string]bool{
	"discovered": {"ignored": true, "pending": true, "wiping": true},
	"pending":    {"installing": true, "wiping": true},
	"installing": {"installed": true, "wiping": true},
	"installed":  {"active": true, "wiping": true},
	"active":     {"reprovision": true, "migrating": true, "retired": true, "wiping": true},
	"reprovision": {"pending": true, "wiping": true},
	"migrating":  {"active": true, "wiping": true},
	"wiping":     {"decommissioned": true},
	"ignored":    {"wiping": true},
	"retired":    {"wiping": true},
}

// Store is the persistence dependency the state machine needs.
type Store interface {
	GetNodeByID(ctx context.Context, id string) (*node.Node, error)
	UpdateNode(ctx context.Context, n *node.Node) error
}

// Machine drives node lifecycle transitions.
type Machine struct {
	store   Store
	journal *journal.Journal
	locks   *keylock.Set
	logger  *log.Logger
}

// New creates a Machine. locks must be shared with any other component
// (e.g. pkg/registry) that mutates the same Node rows, so per-node
// serialization holds across the whole control plane.
func New(store Store, j *journal.Journal, locks *keylock.Set, logger *log.Logger) *Machine {
	if logger == nil {
		logger = log.New(log.Writer(), "statemachine: ", log.LstdFlags)
	}
	return &Machine{store: store, journal: j, locks: locks, logger: logger}
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to string) bool {
	return edges[from][to]
}

// Result carries per-node outcome for bulk transitions.
type Result struct {
	NodeID string
	Err    error
}

// Transition atomically moves a single node from its current state to
// `to`: validates the edge, writes the new state, appends a NodeEvent,
// and fires any side effects. trigger names the caller
// ("api", "agent-report", ...) and is recorded on the event.
func (m *Machine) Transition(ctx context.Context, nodeID, to, trigger string) (*node.Node, error) {
	m.locks.Lock(nodeID)
	defer m.locks.Unlock(nodeID)

	n, err := m.store.GetNodeByID(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	from := n.State
	if !CanTransition(from, to) {
		return nil, apierror.StateConflict(
			fmt.Sprintf("invalid transition %s -> %s", from, to), from, to)
	}

	n.State = to
	n.UpdatedAt = time.Now().UTC()
	applySideEffects(n, from, to)

	if err := m.store.UpdateNode(ctx, n); err != nil {
		return nil, apierror.Internal("", fmt.Errorf("persist transition: %w", err))
	}

	t := node.StateTransition{From: from, To: to, Trigger: trigger, Timestamp: n.UpdatedAt}
	if err := m.journal.RecordTransition(ctx, nodeID, t); err != nil {
		m.logger.Printf("node %s: transition %s->%s persisted but journal append failed: %v", nodeID, from, to, err)
	}

	return n, nil
}

// applySideEffects implements transition-specific cleanup: installed ->
// active clears any in-progress clone-session reference, since an active
// node is no longer cloning.
func applySideEffects(n *node.Node, from, to string) {
	if from == "installed" && to == "active" {
		n.ActiveCloneSessionID = ""
	}
	if to == "wiping" {
		n.PendingCommand = ""
	}
}

// BulkTransition applies Transition independently to each node id,
// reporting partial success.
func (m *Machine) BulkTransition(ctx context.Context, nodeIDs []string, to, trigger string) []Result {
	out := make([]Result, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		_, err := m.Transition(ctx, id, to, trigger)
		out = append(out, Result{NodeID: id, Err: err})
	}
	return out
}
