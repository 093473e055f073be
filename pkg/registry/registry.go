// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package registry implements the node registry: MAC identity
// resolution, registration, attribute updates, and tag management.
// Every mutation to a Node serializes on that node's key in a shared
// keylock.Set.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pureboot/controller/internal/keylock"
	"github.com/pureboot/controller/internal/storage"
	"github.com/pureboot/controller/pkg/apierror"
	"github.com/pureboot/controller/pkg/journal"
	"github.com/pureboot/controller/pkg/resources/node"
	"github.com/pureboot/controller/pkg/validation"
)

// Store is the persistence dependency the registry needs.
type Store interface {
	GetNodeByID(ctx context.Context, id string) (*node.Node, error)
	GetNodeByMAC(ctx context.Context, mac string) (*node.Node, error)
	ListNodes(ctx context.Context) ([]*node.Node, error)
	InsertNode(ctx context.Context, n *node.Node) error
	UpdateNode(ctx context.Context, n *node.Node) error
	DeleteNode(ctx context.Context, id string) error
	Stats(ctx context.Context) (*storage.NodeStats, error)
}

// Attributes carries the non-identity fields register/update may change.
// Zero-value fields are left untouched; to set a field explicitly, go
// through Update, which takes a partial Patch instead.
type Attributes struct {
	Hostname string
	Arch     string
	BootMode string
	Vendor   string
	Model    string
	Serial   string
	IPHint   string
}

// Registry resolves and mutates Node identity.
type Registry struct {
	store   Store
	journal *journal.Journal
	locks   *keylock.Set
	logger  *log.Logger
}

// New creates a Registry. locks must be the same keylock.Set used by
// pkg/statemachine so per-node serialization holds process-wide.
func New(store Store, j *journal.Journal, locks *keylock.Set, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(log.Writer(), "registry: ", log.LstdFlags)
	}
	return &Registry{store: store, journal: j, locks: locks, logger: logger}
}

// Register resolves mac to a node: if one already exists, its non-identity
// attributes are updated atomically and last_seen refreshed; otherwise a
// new node is created in state "discovered". The MAC lookup runs
// unlocked only to learn the node id — every write here locks by id,
// the same key every other mutator (Update, AddTag, the state machine)
// serializes on; a MAC-keyed lock would not serialize against those.
func (r *Registry) Register(ctx context.Context, mac string, attrs Attributes) (*node.Node, bool, error) {
	normMAC, ok := validation.NormalizeMAC(mac)
	if !ok {
		return nil, false, apierror.Validation("malformed MAC address", map[string]any{"mac": mac})
	}

	existing, err := r.store.GetNodeByMAC(ctx, normMAC)
	switch {
	case err == nil:
		n, uerr := r.updateExisting(ctx, existing.ID, attrs)
		return n, false, uerr

	case errors.Is(err, storage.ErrNotFound):
		now := time.Now().UTC()
		n := &node.Node{
			Metadata: node.Metadata{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now},
			MAC:      normMAC,
			State:    "discovered",
			DiscoveredAt: now,
			LastSeen:     now,
		}
		applyAttributes(n, attrs)
		r.locks.Lock(n.ID)
		insErr := r.store.InsertNode(ctx, n)
		r.locks.Unlock(n.ID)
		if insErr != nil {
			if errors.Is(insErr, storage.ErrDuplicateMAC) {
				// Lost a race with a concurrent register of the same MAC;
				// apply the attributes to the winner instead.
				winner, getErr := r.store.GetNodeByMAC(ctx, normMAC)
				if getErr != nil {
					return nil, false, apierror.Internal("", fmt.Errorf("re-read after duplicate: %w", getErr))
				}
				updated, uerr := r.updateExisting(ctx, winner.ID, attrs)
				return updated, false, uerr
			}
			return nil, false, apierror.Internal("", fmt.Errorf("insert node: %w", insErr))
		}
		if err := r.journal.Record(ctx, n.ID, node.EventStateChange, node.SourceController,
			node.StateTransition{From: "", To: "discovered", Trigger: "register", Timestamp: now}.ToPayload()); err != nil {
			r.logger.Printf("node %s: registered but journal append failed: %v", n.ID, err)
		}
		return n, true, nil

	default:
		return nil, false, apierror.Internal("", fmt.Errorf("lookup node by mac: %w", err))
	}
}

// updateExisting re-reads the node under its id lock and applies the
// non-identity attributes atomically, refreshing last_seen.
func (r *Registry) updateExisting(ctx context.Context, id string, attrs Attributes) (*node.Node, error) {
	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	n, err := r.store.GetNodeByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apierror.NotFound("node", id)
	} else if err != nil {
		return nil, apierror.Internal("", err)
	}

	applyAttributes(n, attrs)
	n.LastSeen = time.Now().UTC()
	if err := r.store.UpdateNode(ctx, n); err != nil {
		return nil, apierror.Internal("", fmt.Errorf("update node %s: %w", id, err))
	}
	return n, nil
}

func applyAttributes(n *node.Node, attrs Attributes) {
	if attrs.Hostname != "" {
		n.Hostname = attrs.Hostname
	}
	if attrs.Arch != "" {
		n.Arch = attrs.Arch
	}
	if attrs.BootMode != "" {
		n.BootMode = attrs.BootMode
	}
	if attrs.Vendor != "" {
		n.Vendor = attrs.Vendor
	}
	if attrs.Model != "" {
		n.Model = attrs.Model
	}
	if attrs.Serial != "" {
		n.Serial = attrs.Serial
	}
	if attrs.IPHint != "" {
		n.IPHint = attrs.IPHint
	}
}

// Get fetches a node by id.
func (r *Registry) Get(ctx context.Context, id string) (*node.Node, error) {
	n, err := r.store.GetNodeByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apierror.NotFound("node", id)
	}
	return n, err
}

// List returns every node.
func (r *Registry) List(ctx context.Context) ([]*node.Node, error) {
	return r.store.ListNodes(ctx)
}

// Stats returns the aggregate view backing GET /nodes/stats.
func (r *Registry) Stats(ctx context.Context) (*storage.NodeStats, error) {
	return r.store.Stats(ctx)
}

// SetActiveCloneSession records which clone session currently owns a node,
// implementing clonesession.NodeUpdater. Passing an empty sessionID clears
// it; the state machine does not call this, it clears the field itself on
// installed->active.
func (r *Registry) SetActiveCloneSession(ctx context.Context, nodeID, sessionID string) error {
	r.locks.Lock(nodeID)
	defer r.locks.Unlock(nodeID)

	n, err := r.store.GetNodeByID(ctx, nodeID)
	if errors.Is(err, storage.ErrNotFound) {
		return apierror.NotFound("node", nodeID)
	} else if err != nil {
		return err
	}
	n.ActiveCloneSessionID = sessionID
	return r.store.UpdateNode(ctx, n)
}

// SetCommand stashes a one-shot command (poweroff|reboot|rescan) for the
// node's next poll of `GET /nodes/{id}/command?clear=true`.
func (r *Registry) SetCommand(ctx context.Context, id, cmd string) error {
	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	n, err := r.store.GetNodeByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return apierror.NotFound("node", id)
	} else if err != nil {
		return err
	}
	n.PendingCommand = cmd
	return r.store.UpdateNode(ctx, n)
}

// Command returns a node's pending command, clearing it first if clear is
// true so the next poll sees an empty value.
func (r *Registry) Command(ctx context.Context, id string, clear bool) (string, error) {
	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	n, err := r.store.GetNodeByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return "", apierror.NotFound("node", id)
	} else if err != nil {
		return "", err
	}
	cmd := n.PendingCommand
	if clear && cmd != "" {
		n.PendingCommand = ""
		if err := r.store.UpdateNode(ctx, n); err != nil {
			return "", apierror.Internal("", fmt.Errorf("clear command for node %s: %w", id, err))
		}
	}
	return cmd, nil
}

// RequestRescan implements partitionqueue.RescanTrigger by queuing a
// rescan command for the node's next poll.
func (r *Registry) RequestRescan(ctx context.Context, nodeID string) error {
	return r.SetCommand(ctx, nodeID, "rescan")
}

// Patch is a partial update to a node's mutable, non-state fields.
type Patch struct {
	Hostname   *string
	Arch       *string
	BootMode   *string
	Vendor     *string
	Model      *string
	Serial     *string
	IPHint     *string
	GroupID    *string
	WorkflowID *string
}

// Update applies a partial patch to a node under its lock.
func (r *Registry) Update(ctx context.Context, id string, p Patch) (*node.Node, error) {
	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	n, err := r.store.GetNodeByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apierror.NotFound("node", id)
	} else if err != nil {
		return nil, apierror.Internal("", err)
	}

	if p.Hostname != nil {
		n.Hostname = *p.Hostname
	}
	if p.Arch != nil {
		if !validation.ValidArch(*p.Arch) {
			return nil, apierror.Validation("invalid arch", map[string]any{"arch": *p.Arch})
		}
		n.Arch = *p.Arch
	}
	if p.BootMode != nil {
		if !validation.ValidBootMode(*p.BootMode) {
			return nil, apierror.Validation("invalid boot mode", map[string]any{"boot_mode": *p.BootMode})
		}
		n.BootMode = *p.BootMode
	}
	if p.Vendor != nil {
		n.Vendor = *p.Vendor
	}
	if p.Model != nil {
		n.Model = *p.Model
	}
	if p.Serial != nil {
		n.Serial = *p.Serial
	}
	if p.IPHint != nil {
		n.IPHint = *p.IPHint
	}
	if p.GroupID != nil {
		n.GroupID = *p.GroupID
	}
	if p.WorkflowID != nil {
		n.WorkflowID = *p.WorkflowID
	}

	if err := r.store.UpdateNode(ctx, n); err != nil {
		return nil, apierror.Internal("", fmt.Errorf("update node %s: %w", id, err))
	}
	return n, nil
}

// Delete removes a node permanently (admin action).
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	err := r.store.DeleteNode(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return apierror.NotFound("node", id)
	}
	return err
}

// AddTag adds tag to a node's tag set, a no-op if already present.
func (r *Registry) AddTag(ctx context.Context, id, tag string) (*node.Node, error) {
	tag = normalizeTag(tag)
	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	n, err := r.store.GetNodeByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apierror.NotFound("node", id)
	} else if err != nil {
		return nil, apierror.Internal("", err)
	}

	if n.HasTag(tag) {
		return n, nil
	}
	n.Tags = append(n.Tags, tag)
	sort.Strings(n.Tags)
	if err := r.store.UpdateNode(ctx, n); err != nil {
		return nil, apierror.Internal("", fmt.Errorf("update node %s: %w", id, err))
	}
	return n, nil
}

// RemoveTag removes tag from a node's tag set, silently skipping nodes
// without it.
func (r *Registry) RemoveTag(ctx context.Context, id, tag string) (*node.Node, error) {
	tag = normalizeTag(tag)
	r.locks.Lock(id)
	defer r.locks.Unlock(id)

	n, err := r.store.GetNodeByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apierror.NotFound("node", id)
	} else if err != nil {
		return nil, apierror.Internal("", err)
	}

	if !n.HasTag(tag) {
		return n, nil
	}
	filtered := n.Tags[:0]
	for _, t := range n.Tags {
		if t != tag {
			filtered = append(filtered, t)
		}
	}
	n.Tags = filtered
	if err := r.store.UpdateNode(ctx, n); err != nil {
		return nil, apierror.Internal("", fmt.Errorf("update node %s: %w", id, err))
	}
	return n, nil
}

func normalizeTag(tag string) string {
	out := make([]byte, len(tag))
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// BulkResult is one node's outcome within a bulk operation.
type BulkResult struct {
	NodeID string
	Reason string
}

// BulkOutcome is the {updated, failed, errors} shape every bulk endpoint
// returns.
type BulkOutcome struct {
	Updated int
	Failed  int
	Errors  []BulkResult
}

// BulkAddTag applies AddTag to every id, accumulating partial success.
func (r *Registry) BulkAddTag(ctx context.Context, ids []string, tag string) BulkOutcome {
	var out BulkOutcome
	for _, id := range ids {
		if _, err := r.AddTag(ctx, id, tag); err != nil {
			out.Failed++
			out.Errors = append(out.Errors, BulkResult{NodeID: id, Reason: err.Error()})
			continue
		}
		out.Updated++
	}
	return out
}

// BulkRemoveTag applies RemoveTag to every id, accumulating partial success.
func (r *Registry) BulkRemoveTag(ctx context.Context, ids []string, tag string) BulkOutcome {
	var out BulkOutcome
	for _, id := range ids {
		if _, err := r.RemoveTag(ctx, id, tag); err != nil {
			out.Failed++
			out.Errors = append(out.Errors, BulkResult{NodeID: id, Reason: err.Error()})
			continue
		}
		out.Updated++
	}
	return out
}

// BulkAssignGroup assigns group_id to every id.
func (r *Registry) BulkAssignGroup(ctx context.Context, ids []string, groupID string) BulkOutcome {
	return r.bulkPatch(ctx, ids, Patch{GroupID: &groupID})
}

// BulkAssignWorkflow assigns workflow_id to every id.
func (r *Registry) BulkAssignWorkflow(ctx context.Context, ids []string, workflowID string) BulkOutcome {
	return r.bulkPatch(ctx, ids, Patch{WorkflowID: &workflowID})
}

func (r *Registry) bulkPatch(ctx context.Context, ids []string, p Patch) BulkOutcome {
	var out BulkOutcome
	for _, id := range ids {
		if _, err := r.Update(ctx, id, p); err != nil {
			out.Failed++
			out.Errors = append(out.Errors, BulkResult{NodeID: id, Reason: err.Error()})
			continue
		}
		out.Updated++
	}
	return out
}
