// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package clonesession implements the clone-session manager: direct mTLS
// and staged NFS/iSCSI clone state machines, resize plan validation, and
// the certificate/staging cleanup that follows a session into its
// terminal state. Every mutation to a CloneSession serializes on that
// session's key in a shared keylock.Set.
package clonesession

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pureboot/controller/internal/keylock"
	"github.com/pureboot/controller/internal/storage"
	"github.com/pureboot/controller/pkg/apierror"
	"github.com/pureboot/controller/pkg/ca"
	"github.com/pureboot/controller/pkg/resources/session"
	"github.com/pureboot/controller/pkg/staging"
	"github.com/pureboot/controller/pkg/validation"
)

// NodeUpdater is the subset of the registry the manager needs to flag
// nodes into/out of the clone role (both session nodes are marked for
// clone boot on create).
type NodeUpdater interface {
	SetActiveCloneSession(ctx context.Context, nodeID, sessionID string) error
}

// Store is the persistence dependency the manager needs.
type Store interface {
	InsertSession(ctx context.Context, cs *session.CloneSession) error
	GetSession(ctx context.Context, id string) (*session.CloneSession, error)
	UpdateSession(ctx context.Context, cs *session.CloneSession) error
	FindActiveSessionForNode(ctx context.Context, nodeID string) (*session.CloneSession, error)
	ListTerminalSessionsSince(ctx context.Context, since time.Time) ([]*session.CloneSession, error)
}

// Config bounds the certificate grace window: session certs are
// destroyed no later than the terminal transition plus this window.
type Config struct {
	CertGraceWindow time.Duration
}

// Manager drives clone-session lifecycles.
type Manager struct {
	store   Store
	nodes   NodeUpdater
	ca      *ca.Authority
	staging *staging.Broker
	locks   *keylock.Set
	cfg     Config
	logger  *log.Logger
}

// New creates a Manager.
func New(store Store, nodes NodeUpdater, authority *ca.Authority, broker *staging.Broker, locks *keylock.Set, cfg Config, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "clonesession: ", log.LstdFlags)
	}
	if cfg.CertGraceWindow <= 0 {
		cfg.CertGraceWindow = 60 * time.Second
	}
	return &Manager{store: store, nodes: nodes, ca: authority, staging: broker, locks: locks, cfg: cfg, logger: logger}
}

// CreateRequest describes a new clone session (POST /clone-sessions).
type CreateRequest struct {
	SourceNodeID  string
	TargetNodeIDs []string
	Mode          session.Mode
	// StagingType selects the broker allocator (nfs|iscsi) for a staged
	// session; ignored for direct mode. Defaults to nfs when unset, for
	// compatibility with callers that predate multi-backend selection.
	StagingType session.StagingAllocationType
	ResizeMode  session.ResizeMode
	ResizePlan  []session.PlanItem
	Compression bool
}

// Create starts a new session: validates the request shape, marks both
// nodes for clone boot, and persists the session in state "created". A
// node may have at most one non-terminal CloneSession at a time.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*session.CloneSession, error) {
	if !validation.ValidCloneMode(string(req.Mode)) {
		return nil, apierror.Validation("invalid clone mode", map[string]any{"mode": req.Mode})
	}
	if req.ResizeMode != "" && !validation.ValidResizeMode(string(req.ResizeMode)) {
		return nil, apierror.Validation("invalid resize mode", map[string]any{"resize_mode": req.ResizeMode})
	}
	if len(req.TargetNodeIDs) == 0 {
		return nil, apierror.Validation("at least one target node is required", nil)
	}

	stagingType := req.StagingType
	if req.Mode == session.ModeStaged {
		if stagingType == "" {
			stagingType = session.StagingTypeNFS
		} else if !validation.ValidStagingType(string(stagingType)) {
			return nil, apierror.Validation("invalid staging type", map[string]any{"staging_type": stagingType})
		}
	}

	plan, err := validateResizePlan(req.ResizePlan)
	if err != nil {
		return nil, err
	}

	for _, id := range append([]string{req.SourceNodeID}, req.TargetNodeIDs...) {
		if active, err := m.store.FindActiveSessionForNode(ctx, id); err == nil && active != nil {
			return nil, apierror.StateConflict(fmt.Sprintf("node %s already has a non-terminal clone session", id), "", "")
		}
	}

	now := time.Now().UTC()
	cs := &session.CloneSession{
		ID:            uuid.NewString(),
		SourceNodeID:  req.SourceNodeID,
		TargetNodeIDs: req.TargetNodeIDs,
		Mode:          req.Mode,
		Status:        session.StatusCreated,
		StagingStatus: session.StagingNone,
		StagingType:   stagingType,
		ResizeMode:    req.ResizeMode,
		ResizePlan:    plan,
		Compression:   req.Compression,
		CreatedAt:     now,
	}
	if req.Mode == session.ModeStaged {
		cs.StagingStatus = session.StagingAllocating
	}

	if err := m.store.InsertSession(ctx, cs); err != nil {
		return nil, apierror.Internal("", fmt.Errorf("insert session: %w", err))
	}

	if err := m.nodes.SetActiveCloneSession(ctx, req.SourceNodeID, cs.ID); err != nil {
		m.logger.Printf("session %s: flag source node %s failed: %v", cs.ID, req.SourceNodeID, err)
	}
	for _, targetID := range req.TargetNodeIDs {
		if err := m.nodes.SetActiveCloneSession(ctx, targetID, cs.ID); err != nil {
			m.logger.Printf("session %s: flag target node %s failed: %v", cs.ID, targetID, err)
		}
	}

	return cs, nil
}

// validateResizePlan performs the controller's shape-only validation;
// feasibility stays with the agent. grow_target on NTFS is accepted but
// annotated with a capability_warning rather than rejected.
func validateResizePlan(plan []session.PlanItem) ([]session.PlanItem, error) {
	out := make([]session.PlanItem, 0, len(plan))
	for _, item := range plan {
		if item.Phase != "pre" && item.Phase != "post" {
			return nil, apierror.Validation("resize plan phase must be pre or post", map[string]any{"phase": item.Phase})
		}
		if !validation.ValidPartitionVerb(item.Operation) {
			return nil, apierror.Validation("invalid resize plan operation", map[string]any{"operation": item.Operation})
		}
		fs, _ := item.Params["filesystem"].(string)
		if item.Operation == "resize" && item.Phase == "post" && fs == "ntfs" {
			item.CapabilityWarning = "grow_target over NTFS is accepted but not guaranteed supported by every agent build"
		}
		out = append(out, item)
	}
	return out, nil
}

// Get fetches a session by id.
func (m *Manager) Get(ctx context.Context, id string) (*session.CloneSession, error) {
	cs, err := m.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apierror.NotFound("clone session", id)
	}
	return cs, err
}

// SourceReadyRequest is the body of POST /clone-sessions/{id}/source-ready.
type SourceReadyRequest struct {
	IP        string
	Port      int
	SizeBytes int64
	Device    string
}

// SourceReady transitions created -> source_ready once the source node
// reports its listener details.
func (m *Manager) SourceReady(ctx context.Context, id string, req SourceReadyRequest) (*session.CloneSession, error) {
	return m.mutate(ctx, id, func(cs *session.CloneSession) error {
		if cs.Status.Terminal() {
			return silentDrop
		}
		if cs.Status != session.StatusCreated {
			return apierror.StateConflict("source-ready only valid from created", string(cs.Status), string(session.StatusSourceReady))
		}
		cs.SourceIP = req.IP
		cs.SourcePort = req.Port
		cs.SourceDevice = req.Device
		cs.TotalBytes = req.SizeBytes
		cs.Status = session.StatusSourceReady
		now := time.Now().UTC()
		cs.SourceReadyAt = &now
		return nil
	})
}

// MarkStreaming advances a session from source_ready to streaming on the
// first progress report. The actual byte-progress ingest —
// de-duplication, max-monotonic counters, audit tail — lives in
// pkg/sink, which is the wire-contract endpoint for `POST
// /clone-sessions/{id}/progress`; this method only carries the
// status-edge half of that same call. A no-op once the session has left
// source_ready, including after it goes terminal.
func (m *Manager) MarkStreaming(ctx context.Context, id string) (*session.CloneSession, error) {
	return m.mutate(ctx, id, func(cs *session.CloneSession) error {
		if cs.Status != session.StatusSourceReady {
			return silentDrop
		}
		cs.Status = session.StatusStreaming
		now := time.Now().UTC()
		cs.StreamingAt = &now
		return nil
	})
}

// Complete explicitly marks a session complete. The API calls it from the
// explicit complete endpoint and from the progress handler when a report
// carries status "complete", in either mode.
func (m *Manager) Complete(ctx context.Context, id string) (*session.CloneSession, error) {
	return m.mutate(ctx, id, func(cs *session.CloneSession) error {
		if cs.Status.Terminal() {
			return silentDrop
		}
		m.finish(cs, session.StatusComplete, "", "")
		return nil
	})
}

// Fail transitions a session to terminal failed with an error code.
func (m *Manager) Fail(ctx context.Context, id, errorCode, errorText string) (*session.CloneSession, error) {
	return m.mutate(ctx, id, func(cs *session.CloneSession) error {
		if cs.Status.Terminal() {
			return silentDrop
		}
		m.finish(cs, session.StatusFailed, errorCode, errorText)
		return nil
	})
}

// Cancel transitions a non-terminal session to cancelled; sessions are
// cancellable only from non-terminal states.
func (m *Manager) Cancel(ctx context.Context, id string) (*session.CloneSession, error) {
	return m.mutate(ctx, id, func(cs *session.CloneSession) error {
		if cs.Status.Terminal() {
			return apierror.StateConflict("session already terminal", string(cs.Status), string(session.StatusCancelled))
		}
		m.finish(cs, session.StatusCancelled, "", "")
		return nil
	})
}

// finish moves cs into a terminal status and stamps TerminalAt. Cert and
// staging release are handled by the caller (ReleaseTerminal) once the
// grace window elapses, so finish only touches session fields.
func (m *Manager) finish(cs *session.CloneSession, status session.Status, errorCode, errorText string) {
	cs.Status = status
	now := time.Now().UTC()
	cs.TerminalAt = &now
	cs.ErrorCode = errorCode
	cs.ErrorText = errorText
}

// silentDrop is a sentinel mutate returns to mean "accepted the call,
// made no change" — any progress or status call after terminal state is
// silently dropped.
var silentDrop = errors.New("silent-drop")

// mutate reads, applies fn, and persists a session under its lock.
func (m *Manager) mutate(ctx context.Context, id string, fn func(cs *session.CloneSession) error) (*session.CloneSession, error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	cs, err := m.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apierror.NotFound("clone session", id)
	} else if err != nil {
		return nil, apierror.Internal("", err)
	}

	if err := fn(cs); err != nil {
		if errors.Is(err, silentDrop) {
			return cs, nil
		}
		return nil, err
	}

	if err := m.store.UpdateSession(ctx, cs); err != nil {
		return nil, apierror.Internal("", fmt.Errorf("update session %s: %w", id, err))
	}
	return cs, nil
}

// Certs returns a role's leaf cert/key plus the session CA pem, minting
// them on first call. Returns apierror.NotFound once the
// session's certificate material has been destroyed (terminal + grace
// window elapsed).
func (m *Manager) Certs(ctx context.Context, id string, role session.Role) (certPEM, keyPEM, caPEM []byte, err error) {
	cs, err := m.Get(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}

	if cs.Status.Terminal() && !m.ca.Has(id) {
		return nil, nil, nil, apierror.NotFound("clone session certificates", id)
	}

	if !m.ca.Has(id) {
		if _, err := m.ca.IssueSession(id); err != nil {
			return nil, nil, nil, apierror.Internal("", fmt.Errorf("issue session certs: %w", err))
		}
	}

	certPEM, keyPEM, caPEM, ok := m.ca.Get(id, role)
	if !ok {
		return nil, nil, nil, apierror.NotFound("clone session certificates", id)
	}
	return certPEM, keyPEM, caPEM, nil
}

// StagingInfo allocates (idempotently) and returns the staging allocation
// for a staged-mode session.
func (m *Manager) StagingInfo(ctx context.Context, id string) (*session.StagingAllocation, error) {
	cs, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cs.Mode != session.ModeStaged {
		return nil, apierror.Capability("session is not staged mode", map[string]any{"mode": cs.Mode})
	}

	typ := cs.StagingType
	if typ == "" {
		typ = session.StagingTypeNFS
	}
	allocation, alreadyErr := m.staging.Allocate(ctx, id, typ, cs.TotalBytes)
	if alreadyErr != nil {
		return nil, alreadyErr
	}
	return allocation, nil
}

// SetStagingStatus advances the staging_status overlay.
func (m *Manager) SetStagingStatus(ctx context.Context, id string, status session.StagingStatus) (*session.CloneSession, error) {
	return m.mutate(ctx, id, func(cs *session.CloneSession) error {
		if cs.Status.Terminal() {
			return silentDrop
		}
		cs.StagingStatus = status
		return nil
	})
}

// Plan returns a session's resize plan.
func (m *Manager) Plan(ctx context.Context, id string) ([]session.PlanItem, error) {
	cs, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return cs.ResizePlan, nil
}

// ReleaseTerminal destroys certificate material and releases any staging
// allocation for a session that has been terminal for at least the
// configured grace window. Reports whether it
// actually released anything, so a sweep can log useful counts. Safe to
// call repeatedly on an already-released session: Destroy/Release are
// both no-ops once nothing remains.
func (m *Manager) ReleaseTerminal(ctx context.Context, cs *session.CloneSession) bool {
	if cs.TerminalAt == nil || time.Since(*cs.TerminalAt) < m.cfg.CertGraceWindow {
		return false
	}
	released := m.ca.Has(cs.ID)
	m.ca.Destroy(cs.ID)
	if _, ok := m.staging.Get(cs.ID); ok {
		released = true
	}
	if err := m.staging.Release(ctx, cs.ID); err != nil {
		m.logger.Printf("session %s: staging release failed: %v", cs.ID, err)
	}
	return released
}

// SweepTerminal releases certs/staging for every session that went
// terminal since `since`, returning the number that actually had
// something released. Intended to be called periodically by the server's
// background sweep goroutine alongside the partition-operation sweep, so
// certificate material is destroyed no later than the terminal
// transition plus the grace window and `GET /certs` returns 404 past it.
func (m *Manager) SweepTerminal(ctx context.Context, since time.Time) (int, error) {
	sessions, err := m.store.ListTerminalSessionsSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("list terminal sessions: %w", err)
	}
	released := 0
	for _, cs := range sessions {
		if m.ReleaseTerminal(ctx, cs) {
			released++
		}
	}
	return released, nil
}
