// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package statemachine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pureboot/controller/internal/keylock"
	"github.com/pureboot/controller/pkg/apierror"
	"github.com/pureboot/controller/pkg/journal"
	"github.com/pureboot/controller/pkg/resources/node"
)

var errNotFound = errors.New("not found")

type fakeStore struct {
	nodes  map[string]*node.Node
	events []*node.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{nodes: make(map[string]*node.Node)}
}

func (f *fakeStore) GetNodeByID(_ context.Context, id string) (*node.Node, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *n
	return &cp, nil
}

func (f *fakeStore) UpdateNode(_ context.Context, n *node.Node) error {
	f.nodes[n.ID] = n
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, e *node.Event) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeStore) ListEventsForNode(_ context.Context, nodeID string) ([]*node.Event, error) {
	var out []*node.Event
	for _, e := range f.events {
		if e.NodeID == nodeID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) StateHistory(ctx context.Context, nodeID string) ([]*node.Event, error) {
	return f.ListEventsForNode(ctx, nodeID)
}

func newMachine() (*Machine, *fakeStore) {
	store := newFakeStore()
	j := journal.New(store)
	m := New(store, j, keylock.NewSet(), nil)
	return m, store
}

func TestTransitionValidEdgeRecordsEventAndState(t *testing.T) {
	m, store := newMachine()
	ctx := context.Background()
	store.nodes["n1"] = &node.Node{Metadata: node.Metadata{ID: "n1"}, State: "discovered"}

	n, err := m.Transition(ctx, "n1", "pending", "api")
	require.NoError(t, err)
	assert.Equal(t, "pending", n.State)

	events, err := store.ListEventsForNode(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, node.EventStateChange, events[0].Kind)
}

func TestTransitionInvalidEdgeRejectedWithFromTo(t *testing.T) {
	m, store := newMachine()
	ctx := context.Background()
	store.nodes["n1"] = &node.Node{Metadata: node.Metadata{ID: "n1"}, State: "active"}

	_, err := m.Transition(ctx, "n1", "pending", "api")
	apiErr, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.KindStateConflict, apiErr.Kind)
	assert.Equal(t, "active", apiErr.Details["from"])
	assert.Equal(t, "pending", apiErr.Details["to"])

	// The rejected attempt must not have produced a write or an event.
	n, _ := store.GetNodeByID(ctx, "n1")
	assert.Equal(t, "active", n.State)
	events, _ := store.ListEventsForNode(ctx, "n1")
	assert.Empty(t, events)
}

func TestInstalledToActiveClearsCloneSession(t *testing.T) {
	m, store := newMachine()
	ctx := context.Background()
	store.nodes["n1"] = &node.Node{
		Metadata:              node.Metadata{ID: "n1"},
		State:                 "installed",
		ActiveCloneSessionID: "sess-1",
	}

	n, err := m.Transition(ctx, "n1", "active", "agent-report")
	require.NoError(t, err)
	assert.Empty(t, n.ActiveCloneSessionID)
}

func TestAnyStateToWipingClearsPendingCommand(t *testing.T) {
	m, store := newMachine()
	ctx := context.Background()
	store.nodes["n1"] = &node.Node{
		Metadata:       node.Metadata{ID: "n1"},
		State:          "active",
		PendingCommand: "reboot",
	}

	n, err := m.Transition(ctx, "n1", "wiping", "admin")
	require.NoError(t, err)
	assert.Empty(t, n.PendingCommand)
}

func TestBulkTransitionReportsPartialSuccess(t *testing.T) {
	m, store := newMachine()
	ctx := context.Background()
	store.nodes["ok"] = &node.Node{Metadata: node.Metadata{ID: "ok"}, State: "discovered"}
	store.nodes["bad"] = &node.Node{Metadata: node.Metadata{ID: "bad"}, State: "active"}

	results := m.BulkTransition(ctx, []string{"ok", "bad"}, "pending", "api-bulk")
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
}

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{"discovered", "pending", true},
		{"discovered", "active", false},
		{"pending", "installing", true},
		{"installing", "installed", true},
		{"installed", "active", true},
		{"active", "reprovision", true},
		{"reprovision", "pending", true},
		{"active", "migrating", true},
		{"migrating", "active", true},
		{"active", "retired", true},
		{"wiping", "decommissioned", true},
		{"decommissioned", "active", false},
		{"retired", "active", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}
