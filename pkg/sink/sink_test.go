// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pureboot/controller/pkg/resources/session"
)

var errNotFound = errors.New("not found")

type fakeStore struct {
	sessions map[string]*session.CloneSession
}

func newFakeStore(cs *session.CloneSession) *fakeStore {
	return &fakeStore{sessions: map[string]*session.CloneSession{cs.ID: cs}}
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

func TestIngestIsMaxMonotonic(t *testing.T) {
	store := newFakeStore(&session.CloneSession{ID: "s1", Status: session.StatusStreaming})
	s := New(store, nil)

	now := time.Now()
	if err := s.Ingest(context.Background(), Update{SessionOrOpID: "s1", Role: RoleTarget, Timestamp: now, BytesTransferred: 1000}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := s.Ingest(context.Background(), Update{SessionOrOpID: "s1", Role: RoleTarget, Timestamp: now.Add(time.Second), BytesTransferred: 500}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	cs, _ := store.GetSession(context.Background(), "s1")
	if cs.Target.BytesTransferred != 1000 {
		t.Errorf("expected bytes_transferred to stay at max 1000, got %d", cs.Target.BytesTransferred)
	}
}

func TestIngestDropsAfterTerminal(t *testing.T) {
	store := newFakeStore(&session.CloneSession{ID: "s2", Status: session.StatusComplete})
	s := New(store, nil)

	err := s.Ingest(context.Background(), Update{SessionOrOpID: "s2", Role: RoleTarget, Timestamp: time.Now(), BytesTransferred: 999, Status: "complete"})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	cs, _ := store.GetSession(context.Background(), "s2")
	if cs.Status != session.StatusComplete {
		t.Errorf("expected session to remain complete, got %s", cs.Status)
	}
	tail := s.AuditTail("s2")
	if len(tail) != 1 || tail[0].Accepted {
		t.Errorf("expected one unaccepted audit record, got %+v", tail)
	}
}

func TestIngestDeduplicatesRepeatedDelivery(t *testing.T) {
	store := newFakeStore(&session.CloneSession{ID: "s3", Status: session.StatusStreaming})
	s := New(store, nil)
	ts := time.Now()
	upd := Update{SessionOrOpID: "s3", Role: RoleSource, Timestamp: ts, BytesTransferred: 42}

	_ = s.Ingest(context.Background(), upd)
	_ = s.Ingest(context.Background(), upd)

	tail := s.AuditTail("s3")
	if len(tail) != 2 {
		t.Fatalf("expected 2 audit records, got %d", len(tail))
	}
	if tail[1].Accepted {
		t.Error("expected the second, duplicate delivery to be marked unaccepted")
	}
}
