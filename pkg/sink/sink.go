// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package sink implements the resilient-update sink: idempotent ingest
// of progress/status/error updates from agents, with
// de-duplication, max-monotonic byte counters, and tolerance for late or
// re-delivered terminal events.
package sink

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pureboot/controller/pkg/resources/session"
)

// Role discriminates which side of a transfer an update describes.
type Role string

const (
	RoleSource Role = "source"
	RoleTarget Role = "target"
	RoleNode   Role = "node"
)

// Update is one wire-contract report from an agent.
type Update struct {
	SessionOrOpID    string
	Role             Role
	Timestamp        time.Time
	BytesTransferred int64
	RateBytesPerSec  int64
	Status           string
	Message          string
}

// dedupeKey is the tuple the sink de-duplicates on: (session|op,
// timestamp, role).
type dedupeKey struct {
	id        string
	timestamp int64
	role      Role
}

// AuditRecord is one entry in the sink's append-only tail, kept
// regardless of whether an update changed visible state.
type AuditRecord struct {
	Update
	Accepted bool
	Reason   string
}

// SessionStore is the subset of session persistence the sink needs to
// read/update progress and terminal state.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*session.CloneSession, error)
	UpdateSession(ctx context.Context, cs *session.CloneSession) error
}

// Sink ingests agent updates idempotently.
type Sink struct {
	store SessionStore

	mu    sync.Mutex
	seen  map[dedupeKey]bool
	audit []AuditRecord

	logger *log.Logger
}

// New creates a Sink backed by store.
func New(store SessionStore, logger *log.Logger) *Sink {
	if logger == nil {
		logger = log.New(log.Writer(), "sink: ", log.LstdFlags)
	}
	return &Sink{store: store, seen: make(map[dedupeKey]bool), logger: logger}
}

// Ingest applies upd to the named clone session. De-duplicates repeated
// deliveries, never regresses bytes_transferred, and records every
// delivery (accepted or not) to the audit tail. Re-delivered terminal
// events after the session is already terminal are recorded but do not
// resurrect it.
func (s *Sink) Ingest(ctx context.Context, upd Update) error {
	key := dedupeKey{id: upd.SessionOrOpID, timestamp: upd.Timestamp.UnixNano(), role: upd.Role}

	s.mu.Lock()
	if s.seen[key] {
		s.mu.Unlock()
		s.record(upd, false, "duplicate delivery")
		return nil
	}
	s.seen[key] = true
	s.mu.Unlock()

	cs, err := s.store.GetSession(ctx, upd.SessionOrOpID)
	if err != nil {
		s.record(upd, false, "session not found")
		return err
	}

	if cs.Status.Terminal() {
		s.logger.Printf("session %s: dropping %s update after terminal state %s", cs.ID, upd.Role, cs.Status)
		s.record(upd, false, "session already terminal")
		return nil
	}

	progress := &cs.Source
	if upd.Role == RoleTarget {
		progress = &cs.Target
	}
	if upd.BytesTransferred > progress.BytesTransferred {
		progress.BytesTransferred = upd.BytesTransferred
	}
	if upd.RateBytesPerSec > 0 {
		progress.RateBytesPerSec = upd.RateBytesPerSec
	}
	progress.UpdatedAt = upd.Timestamp

	if err := s.store.UpdateSession(ctx, cs); err != nil {
		s.record(upd, false, "store update failed")
		return err
	}

	s.record(upd, true, "")
	return nil
}

// RecordDropped appends an audit-only record for a delivery that was
// accepted on the wire but deliberately made no state change — late
// bursts and re-delivered final reports for a resource that is already
// terminal. Partition operations share the session updates' audit tail
// this way without the sink needing their store.
func (s *Sink) RecordDropped(id, role, status, reason string) {
	s.record(Update{
		SessionOrOpID: id,
		Role:          Role(role),
		Timestamp:     time.Now().UTC(),
		Status:        status,
	}, false, reason)
}

func (s *Sink) record(upd Update, accepted bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, AuditRecord{Update: upd, Accepted: accepted, Reason: reason})
}

// AuditTail returns every recorded delivery for a session/op id, in
// arrival order.
func (s *Sink) AuditTail(id string) []AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditRecord
	for _, r := range s.audit {
		if r.SessionOrOpID == id {
			out = append(out, r)
		}
	}
	return out
}
