// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package staging implements the staging broker: for staged-mode clone
// sessions it allocates an NFS sub-path or an iSCSI LUN, records the
// allocation against the session, and releases it on terminal
// transition. Allocators are pluggable behind the Allocator interface so
// a third backend (S3, local path) can be added without touching the
// session manager.
package staging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"path"
	"sync"
	"time"

	"github.com/pureboot/controller/pkg/apierror"
	"github.com/pureboot/controller/pkg/resources/session"
)

// Allocator provisions and releases one StagingAllocation type.
type Allocator interface {
	Allocate(ctx context.Context, sessionID string, sizeBytes int64) (*session.StagingAllocation, error)
	Release(ctx context.Context, alloc *session.StagingAllocation) error
	Type() session.StagingAllocationType
}

// Broker tracks one in-flight StagingAllocation per session and
// dispatches to the configured allocator for the requested type.
type Broker struct {
	mu          sync.Mutex
	allocations map[string]*session.StagingAllocation
	allocators  map[session.StagingAllocationType]Allocator
	logger      *log.Logger
}

// New creates a Broker with the given allocators registered by type.
func New(logger *log.Logger, allocators ...Allocator) *Broker {
	if logger == nil {
		logger = log.New(log.Writer(), "staging: ", log.LstdFlags)
	}
	b := &Broker{
		allocations: make(map[string]*session.StagingAllocation),
		allocators:  make(map[session.StagingAllocationType]Allocator),
		logger:      logger,
	}
	for _, a := range allocators {
		b.allocators[a.Type()] = a
	}
	return b
}

// Allocate provisions staging for sessionID using the allocator
// registered for typ, failing with a Capability error if no such backend
// is configured.
func (b *Broker) Allocate(ctx context.Context, sessionID string, typ session.StagingAllocationType, sizeBytes int64) (*session.StagingAllocation, error) {
	b.mu.Lock()
	if existing, ok := b.allocations[sessionID]; ok {
		b.mu.Unlock()
		return existing, nil
	}
	allocator, ok := b.allocators[typ]
	b.mu.Unlock()
	if !ok {
		return nil, apierror.Capability(fmt.Sprintf("no %s staging backend configured", typ), map[string]any{"type": string(typ)})
	}

	alloc, err := allocator.Allocate(ctx, sessionID, sizeBytes)
	if err != nil {
		return nil, fmt.Errorf("allocate %s staging for session %s: %w", typ, sessionID, err)
	}

	b.mu.Lock()
	b.allocations[sessionID] = alloc
	b.mu.Unlock()
	return alloc, nil
}

// Get returns a session's current allocation, if any.
func (b *Broker) Get(sessionID string) (*session.StagingAllocation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.allocations[sessionID]
	return a, ok
}

// Release tears down a session's allocation via its owning allocator
// (unshare, delete image, drop LUN) and forgets it. Safe to call on a
// session with no allocation.
func (b *Broker) Release(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	alloc, ok := b.allocations[sessionID]
	if ok {
		delete(b.allocations, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}

	allocator, ok := b.allocators[alloc.Type]
	if !ok {
		return fmt.Errorf("no allocator registered for staging type %s", alloc.Type)
	}
	if err := allocator.Release(ctx, alloc); err != nil {
		return fmt.Errorf("release %s staging for session %s: %w", alloc.Type, sessionID, err)
	}
	b.logger.Printf("session %s: %s staging released", sessionID, alloc.Type)
	return nil
}

// NFSConfig configures the NFS allocator.
type NFSConfig struct {
	Server    string
	Export    string
	MountOpts string
}

// NFSAllocator hands out a free sub-path under a configured NFS export.
type NFSAllocator struct {
	cfg NFSConfig
}

// NewNFSAllocator creates an NFS staging allocator.
func NewNFSAllocator(cfg NFSConfig) *NFSAllocator {
	return &NFSAllocator{cfg: cfg}
}

// Type implements Allocator.
func (a *NFSAllocator) Type() session.StagingAllocationType { return session.StagingTypeNFS }

// Allocate picks a session-scoped sub-path under the export and returns
// the mount details both sides need.
func (a *NFSAllocator) Allocate(_ context.Context, sessionID string, _ int64) (*session.StagingAllocation, error) {
	return &session.StagingAllocation{
		SessionID:       sessionID,
		Type:            session.StagingTypeNFS,
		NFSServer:       a.cfg.Server,
		NFSExport:       a.cfg.Export,
		NFSPath:         path.Join(a.cfg.Export, sessionID),
		NFSMountOptions: a.cfg.MountOpts,
		ImageFilename:   "disk.raw",
		AllocatedAt:     time.Now().UTC(),
	}, nil
}

// Release is a no-op placeholder for the real unshare/delete-image work a
// production deployment would perform against the NFS server; the broker
// only needs the allocation forgotten, which Broker.Release already does.
func (a *NFSAllocator) Release(_ context.Context, _ *session.StagingAllocation) error {
	return nil
}

// ISCSIConfig configures the iSCSI allocator.
type ISCSIConfig struct {
	Portal     string
	TargetIQN  string
	EnableCHAP bool
}

// ISCSIAllocator provisions a LUN on a configured iSCSI target service.
type ISCSIAllocator struct {
	cfg    ISCSIConfig
	nextLUN int
	mu      sync.Mutex
}

// NewISCSIAllocator creates an iSCSI staging allocator.
func NewISCSIAllocator(cfg ISCSIConfig) *ISCSIAllocator {
	return &ISCSIAllocator{cfg: cfg, nextLUN: 1}
}

// Type implements Allocator.
func (a *ISCSIAllocator) Type() session.StagingAllocationType { return session.StagingTypeISCSI }

// Allocate assigns the next LUN number on the configured target,
// generating CHAP credentials when configured to require them. The
// requested size is not used.
func (a *ISCSIAllocator) Allocate(_ context.Context, sessionID string, _ int64) (*session.StagingAllocation, error) {
	a.mu.Lock()
	lun := a.nextLUN
	a.nextLUN++
	a.mu.Unlock()

	alloc := &session.StagingAllocation{
		SessionID:   sessionID,
		Type:        session.StagingTypeISCSI,
		ISCSIPortal: a.cfg.Portal,
		ISCSITarget: a.cfg.TargetIQN,
		ISCSILUN:    lun,
		AllocatedAt: time.Now().UTC(),
	}
	if a.cfg.EnableCHAP {
		user, pass, err := generateCHAP()
		if err != nil {
			return nil, fmt.Errorf("generate chap credentials: %w", err)
		}
		alloc.CHAPUsername = user
		alloc.CHAPPassword = pass
	}
	return alloc, nil
}

// Release is a no-op placeholder for dropping the LUN on a real target
// service; Broker.Release already forgets the allocation.
func (a *ISCSIAllocator) Release(_ context.Context, _ *session.StagingAllocation) error {
	return nil
}

func generateCHAP() (user, pass string, err error) {
	userBytes := make([]byte, 6)
	if _, err := rand.Read(userBytes); err != nil {
		return "", "", err
	}
	passBytes := make([]byte, 16)
	if _, err := rand.Read(passBytes); err != nil {
		return "", "", err
	}
	return "pureboot-" + hex.EncodeToString(userBytes), hex.EncodeToString(passBytes), nil
}
