// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package clonesession

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pureboot/controller/internal/keylock"
	"github.com/pureboot/controller/pkg/apierror"
	"github.com/pureboot/controller/pkg/ca"
	"github.com/pureboot/controller/pkg/resources/session"
	"github.com/pureboot/controller/pkg/staging"
)

var errNotFound = errors.New("not found")

type fakeStore struct {
	sessions map[string]*session.CloneSession
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*session.CloneSession)}
}

func (f *fakeStore) InsertSession(_ context.Context, cs *session.CloneSession) error {
	f.sessions[cs.ID] = cs
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*session.CloneSession, error) {
	cs, ok := f.sessions[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *cs
	return &cp, nil
}

func (f *fakeStore) UpdateSession(_ context.Context, cs *session.CloneSession) error {
	f.sessions[cs.ID] = cs
	return nil
}

func (f *fakeStore) FindActiveSessionForNode(_ context.Context, nodeID string) (*session.CloneSession, error) {
	for _, cs := range f.sessions {
		if cs.Status.Terminal() {
			continue
		}
		if cs.SourceNodeID == nodeID {
			return cs, nil
		}
		for _, t := range cs.TargetNodeIDs {
			if t == nodeID {
				return cs, nil
			}
		}
	}
	return nil, nil
}

func (f *fakeStore) ListTerminalSessionsSince(_ context.Context, since time.Time) ([]*session.CloneSession, error) {
	var out []*session.CloneSession
	for _, cs := range f.sessions {
		if cs.Status.Terminal() && cs.TerminalAt != nil && !cs.TerminalAt.Before(since) {
			cp := *cs
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeNodes struct {
	flagged map[string]string
}

func (f *fakeNodes) SetActiveCloneSession(_ context.Context, nodeID, sessionID string) error {
	if f.flagged == nil {
		f.flagged = make(map[string]string)
	}
	f.flagged[nodeID] = sessionID
	return nil
}

func newManager() (*Manager, *fakeStore, *fakeNodes) {
	store := newFakeStore()
	nodes := &fakeNodes{}
	authority := ca.New(nil)
	broker := staging.New(nil, staging.NewNFSAllocator(staging.NFSConfig{Server: "nfs.local", Export: "/export/stage"}))
	locks := keylock.NewSet()
	m := New(store, nodes, authority, broker, locks, Config{CertGraceWindow: time.Millisecond}, nil)
	return m, store, nodes
}

func TestCreateFlagsBothNodesAndRejectsSecondActiveSession(t *testing.T) {
	m, _, nodes := newManager()
	ctx := context.Background()

	cs, err := m.Create(ctx, CreateRequest{SourceNodeID: "src", TargetNodeIDs: []string{"tgt"}, Mode: session.ModeDirect})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if cs.Status != session.StatusCreated {
		t.Errorf("expected created status, got %s", cs.Status)
	}
	if nodes.flagged["src"] != cs.ID || nodes.flagged["tgt"] != cs.ID {
		t.Errorf("expected both nodes flagged with session %s, got %+v", cs.ID, nodes.flagged)
	}

	_, err = m.Create(ctx, CreateRequest{SourceNodeID: "src", TargetNodeIDs: []string{"other"}, Mode: session.ModeDirect})
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Kind != apierror.KindStateConflict {
		t.Fatalf("expected state conflict for node already in a session, got %v", err)
	}
}

func TestDirectModeLifecycle(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()

	cs, err := m.Create(ctx, CreateRequest{SourceNodeID: "src", TargetNodeIDs: []string{"tgt"}, Mode: session.ModeDirect})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cs, err = m.SourceReady(ctx, cs.ID, SourceReadyRequest{IP: "10.0.0.5", Port: 9000, SizeBytes: 1024, Device: "/dev/sda"})
	if err != nil {
		t.Fatalf("source-ready: %v", err)
	}
	if cs.Status != session.StatusSourceReady {
		t.Errorf("expected source_ready, got %s", cs.Status)
	}

	cs, err = m.MarkStreaming(ctx, cs.ID)
	if err != nil {
		t.Fatalf("mark streaming: %v", err)
	}
	if cs.Status != session.StatusStreaming {
		t.Errorf("expected streaming after first progress report, got %s", cs.Status)
	}

	// A second call is a no-op, not an error (idempotent on the same edge).
	cs, err = m.MarkStreaming(ctx, cs.ID)
	if err != nil {
		t.Fatalf("mark streaming again: %v", err)
	}
	if cs.Status != session.StatusStreaming {
		t.Errorf("expected still streaming, got %s", cs.Status)
	}

	cs, err = m.Complete(ctx, cs.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if cs.Status != session.StatusComplete {
		t.Errorf("expected complete, got %s", cs.Status)
	}
	if cs.TerminalAt == nil {
		t.Error("expected terminal_at to be set")
	}

	// Calls after terminal are silently dropped, not errors.
	cs, err = m.MarkStreaming(ctx, cs.ID)
	if err != nil {
		t.Fatalf("post-terminal mark streaming should not error: %v", err)
	}
	if cs.Status != session.StatusComplete {
		t.Errorf("expected status to remain complete, got %s", cs.Status)
	}
}

func TestCancelOnlyFromNonTerminal(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()

	cs, _ := m.Create(ctx, CreateRequest{SourceNodeID: "src", TargetNodeIDs: []string{"tgt"}, Mode: session.ModeDirect})
	cs, err := m.Cancel(ctx, cs.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cs.Status != session.StatusCancelled {
		t.Errorf("expected cancelled, got %s", cs.Status)
	}

	_, err = m.Cancel(ctx, cs.ID)
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Kind != apierror.KindStateConflict {
		t.Fatalf("expected state conflict cancelling an already-terminal session, got %v", err)
	}
}

func TestResizePlanAttachesCapabilityWarningForNTFSGrow(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()

	cs, err := m.Create(ctx, CreateRequest{
		SourceNodeID:  "src",
		TargetNodeIDs: []string{"tgt"},
		Mode:          session.ModeDirect,
		ResizeMode:    session.ResizeGrowTarget,
		ResizePlan: []session.PlanItem{
			{Phase: "post", Operation: "resize", Device: "/dev/sda1", Params: map[string]any{"filesystem": "ntfs", "new_size_bytes": int64(1 << 30)}},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(cs.ResizePlan) != 1 || cs.ResizePlan[0].CapabilityWarning == "" {
		t.Fatalf("expected a capability_warning on the NTFS grow_target item, got %+v", cs.ResizePlan)
	}
}

func TestCertsIssuedOnceAndDestroyedAfterGraceWindow(t *testing.T) {
	m, _, _ := newManager()
	ctx := context.Background()

	cs, _ := m.Create(ctx, CreateRequest{SourceNodeID: "src", TargetNodeIDs: []string{"tgt"}, Mode: session.ModeDirect})

	cert1, key1, _, err := m.Certs(ctx, cs.ID, session.RoleSource)
	if err != nil {
		t.Fatalf("certs: %v", err)
	}
	cert2, key2, _, err := m.Certs(ctx, cs.ID, session.RoleSource)
	if err != nil {
		t.Fatalf("certs second call: %v", err)
	}
	if string(cert1) != string(cert2) || string(key1) != string(key2) {
		t.Error("expected idempotent cert issuance to return identical material")
	}

	cs, _ = m.Cancel(ctx, cs.ID)
	time.Sleep(2 * time.Millisecond)
	m.ReleaseTerminal(ctx, cs)

	if _, _, _, err := m.Certs(ctx, cs.ID, session.RoleSource); err == nil {
		t.Error("expected certs to be gone after grace window release")
	}
}
