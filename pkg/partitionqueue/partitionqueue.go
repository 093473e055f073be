// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package partitionqueue implements the per-node partition-operation
// FIFO: enqueue with monotonically increasing sequence, at most
// one in_progress operation per node, stale-recovery, completion-triggered
// re-scan, and retention-window cleanup.
package partitionqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pureboot/controller/internal/keylock"
	"github.com/pureboot/controller/internal/storage"
	"github.com/pureboot/controller/pkg/apierror"
	"github.com/pureboot/controller/pkg/resources/partition"
	"github.com/pureboot/controller/pkg/validation"
)

// Store is the persistence dependency the queue needs.
type Store interface {
	NextSequence(ctx context.Context, nodeID string) (int64, error)
	InsertPartitionOp(ctx context.Context, op *partition.Operation) error
	GetPartitionOp(ctx context.Context, id string) (*partition.Operation, error)
	ListPartitionOps(ctx context.Context, nodeID string, status string) ([]*partition.Operation, error)
	ListInProgressOlderThan(ctx context.Context, cutoffRFC3339 string) ([]*partition.Operation, error)
	UpdatePartitionOpStatus(ctx context.Context, op *partition.Operation) error
	CountInProgress(ctx context.Context, nodeID string) (int, error)
	DeleteTerminalOlderThan(ctx context.Context, cutoffRFC3339 string) (int64, error)
	UpsertDiskReport(ctx context.Context, r *partition.Report) error
	GetDiskReport(ctx context.Context, nodeID string) (*partition.Report, error)
}

// RescanTrigger requests a disk re-scan from a node's agent on the next
// poll — implemented by setting the node's pending command, which
// pkg/registry/pkg/api already exposes via GET /nodes/{id}/command.
type RescanTrigger interface {
	RequestRescan(ctx context.Context, nodeID string) error
}

// AuditSink records deliveries that were accepted on the wire but
// deliberately made no state change — re-delivered status reports for an
// operation that is already terminal. Implemented by pkg/sink, so
// partition operations share the same append-only audit tail as session
// updates.
type AuditSink interface {
	RecordDropped(id, role, status, reason string)
}

// Config bounds the stale-recovery and retention windows.
type Config struct {
	StaleWindow     time.Duration
	RetentionWindow time.Duration
}

// Queue drives the partition-operation FIFO.
type Queue struct {
	store  Store
	rescan RescanTrigger
	audit  AuditSink
	locks  *keylock.Set
	cfg    Config
	logger *log.Logger

	modeMu    sync.Mutex
	modeState map[string]*ModeStatus
}

// New creates a Queue. locks may be a dedicated keylock.Set for
// partition-op sequencing or shared with the node-identity lock set —
// queue ordering is a per-node concern alongside state/tags, so sharing
// is also correct and is what callers typically wire in.
func New(store Store, rescan RescanTrigger, audit AuditSink, locks *keylock.Set, cfg Config, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(log.Writer(), "partitionqueue: ", log.LstdFlags)
	}
	if cfg.StaleWindow <= 0 {
		cfg.StaleWindow = 10 * time.Minute
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 24 * time.Hour
	}
	return &Queue{store: store, rescan: rescan, audit: audit, locks: locks, cfg: cfg, logger: logger, modeState: make(map[string]*ModeStatus)}
}

// ModeStatus is the last self-reported state of a node's live partition-
// editing environment (the "pending mode" deploy agent). It is presence
// information, not a DiskReport-style durable entity, and does not
// survive a controller restart.
type ModeStatus struct {
	NodeID        string    `json:"node_id"`
	Status        string    `json:"status"`
	Message       string    `json:"message,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ReportModeStatus records a partition-mode agent's self-reported status
// (idle, scanning, applying, error, ...).
func (q *Queue) ReportModeStatus(nodeID, status, message string) *ModeStatus {
	q.modeMu.Lock()
	defer q.modeMu.Unlock()
	ms := &ModeStatus{NodeID: nodeID, Status: status, Message: message, LastHeartbeat: time.Now().UTC()}
	q.modeState[nodeID] = ms
	return ms
}

// Heartbeat refreshes a node's last-seen time without changing its last
// reported status.
func (q *Queue) Heartbeat(nodeID string) *ModeStatus {
	q.modeMu.Lock()
	defer q.modeMu.Unlock()
	ms, ok := q.modeState[nodeID]
	if !ok {
		ms = &ModeStatus{NodeID: nodeID, Status: "idle"}
		q.modeState[nodeID] = ms
	}
	ms.LastHeartbeat = time.Now().UTC()
	return ms
}

// EnqueueRequest describes a new operation to append.
type EnqueueRequest struct {
	NodeID string
	Verb   string
	Device string
	Params map[string]any
}

// Enqueue appends a new pending operation with the next sequence number
// for the node.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*partition.Operation, error) {
	if !validation.ValidPartitionVerb(req.Verb) {
		return nil, apierror.Validation("invalid partition verb", map[string]any{"verb": req.Verb})
	}
	if err := validateParams(req.Verb, req.Params); err != nil {
		return nil, err
	}

	var op *partition.Operation
	err := q.locks.With(req.NodeID, func() error {
		seq, err := q.store.NextSequence(ctx, req.NodeID)
		if err != nil {
			return apierror.Internal("", fmt.Errorf("next sequence: %w", err))
		}
		op = &partition.Operation{
			ID:        uuid.NewString(),
			NodeID:    req.NodeID,
			Sequence:  seq,
			Verb:      req.Verb,
			Device:    req.Device,
			Params:    req.Params,
			Status:    partition.StatusPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := q.store.InsertPartitionOp(ctx, op); err != nil {
			return apierror.Internal("", fmt.Errorf("insert partition op: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

// validateParams applies the controller's shape-only checks; feasibility
// (e.g. "XFS cannot shrink") is left to the agent.
func validateParams(verb string, params map[string]any) error {
	if verb != "resize" {
		return nil
	}
	raw, ok := params["new_size_bytes"]
	if !ok {
		return apierror.Validation("resize requires new_size_bytes", nil)
	}
	size, ok := toInt64(raw)
	if !ok || !validation.ValidSizeBytes(size) {
		return apierror.Capability("new_size_bytes out of range", map[string]any{"new_size_bytes": raw})
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Pending returns a node's pending operations, in sequence order.
func (q *Queue) Pending(ctx context.Context, nodeID string) ([]*partition.Operation, error) {
	return q.store.ListPartitionOps(ctx, nodeID, string(partition.StatusPending))
}

// List returns every operation for a node, optionally filtered by status.
func (q *Queue) List(ctx context.Context, nodeID, status string) ([]*partition.Operation, error) {
	return q.store.ListPartitionOps(ctx, nodeID, status)
}

// ReportStatus applies an agent's status report to one operation:
// enforces the at-most-one-in-progress invariant on the
// pending->in_progress edge and triggers a re-scan on completion. A
// report against an already-terminal operation is accepted and dropped
// (audited, no state change, no re-scan), tolerating agents that replay
// their final report from an offline queue.
func (q *Queue) ReportStatus(ctx context.Context, nodeID, opID string, status partition.Status, message string, result map[string]any) (*partition.Operation, error) {
	var op *partition.Operation
	redelivered := false
	err := q.locks.With(nodeID, func() error {
		var err error
		op, err = q.store.GetPartitionOp(ctx, opID)
		if errors.Is(err, storage.ErrNotFound) {
			return apierror.NotFound("partition operation", opID)
		} else if err != nil {
			return apierror.Internal("", err)
		}
		if op.NodeID != nodeID {
			return apierror.NotFound("partition operation", opID)
		}
		if op.Status == partition.StatusCompleted || op.Status == partition.StatusFailed {
			// Re-delivered reports for a terminal operation (an agent
			// retrying from its offline queue) are recorded for audit but
			// never resurrect it.
			redelivered = true
			if q.audit != nil {
				q.audit.RecordDropped(opID, "node", string(status), "operation already terminal")
			}
			return nil
		}

		now := time.Now().UTC()
		switch status {
		case partition.StatusInProgress:
			if op.Status != partition.StatusPending {
				return apierror.StateConflict("can only start a pending operation", string(op.Status), string(status))
			}
			n, err := q.store.CountInProgress(ctx, nodeID)
			if err != nil {
				return apierror.Internal("", err)
			}
			if n > 0 {
				return apierror.StateConflict("another operation is already in_progress for this node", "", "")
			}
			op.Status = partition.StatusInProgress
			op.StartedAt = &now

		case partition.StatusCompleted, partition.StatusFailed:
			op.Status = status
			op.FinishedAt = &now
			op.Message = message
			op.Result = result

		default:
			return apierror.Validation("invalid operation status", map[string]any{"status": string(status)})
		}

		return q.store.UpdatePartitionOpStatus(ctx, op)
	})
	if err != nil {
		return nil, err
	}

	if !redelivered && op.Status == partition.StatusCompleted && q.rescan != nil {
		if err := q.rescan.RequestRescan(ctx, nodeID); err != nil {
			q.logger.Printf("node %s: rescan trigger after op %s failed: %v", nodeID, opID, err)
		}
	}
	return op, nil
}

// RecoverStale moves operations stuck in_progress past the stale window
// back to pending (crash-recovery).
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-q.cfg.StaleWindow).UTC().Format(time.RFC3339Nano)
	stale, err := q.store.ListInProgressOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale operations: %w", err)
	}

	recovered := 0
	for _, op := range stale {
		err := q.locks.With(op.NodeID, func() error {
			op.Status = partition.StatusPending
			op.StartedAt = nil
			return q.store.UpdatePartitionOpStatus(ctx, op)
		})
		if err != nil {
			q.logger.Printf("recover stale op %s failed: %v", op.ID, err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Sweep deletes terminal operations past the retention window.
func (q *Queue) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-q.cfg.RetentionWindow).UTC().Format(time.RFC3339Nano)
	return q.store.DeleteTerminalOlderThan(ctx, cutoff)
}

// ReportDisks replaces a node's observed disk layout wholesale and
// stamps ObservedAt. It does not touch the node's pending command; a
// queued rescan stays until the agent reads it with
// GET /nodes/{id}/command?clear=true.
func (q *Queue) ReportDisks(ctx context.Context, r *partition.Report) error {
	r.ObservedAt = time.Now().UTC()
	if err := q.store.UpsertDiskReport(ctx, r); err != nil {
		return apierror.Internal("", fmt.Errorf("upsert disk report for node %s: %w", r.NodeID, err))
	}
	return nil
}

// DiskReport returns a node's last-observed scan result.
func (q *Queue) DiskReport(ctx context.Context, nodeID string) (*partition.Report, error) {
	r, err := q.store.GetDiskReport(ctx, nodeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apierror.NotFound("disk report", nodeID)
	}
	return r, err
}
