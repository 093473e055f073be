// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package node defines the Node resource and its append-only event trail.
package node

import (
	"time"
)

// Metadata carries the identity and timestamps every PureBoot resource
// shares.
type Metadata struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Node is the durable record of a machine observed over network boot.
type Node struct {
	Metadata
	MAC          string    `json:"mac"`
	Hostname     string    `json:"hostname,omitempty"`
	Arch         string    `json:"arch,omitempty"`
	BootMode     string    `json:"boot_mode,omitempty"`
	Vendor       string    `json:"vendor,omitempty"`
	Model        string    `json:"model,omitempty"`
	Serial       string    `json:"serial,omitempty"`
	IPHint       string    `json:"ip_hint,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	GroupID      string    `json:"group_id,omitempty"`
	WorkflowID   string    `json:"workflow_id,omitempty"`
	State        string    `json:"state"`
	DiscoveredAt time.Time `json:"discovered_at"`
	LastSeen     time.Time `json:"last_seen"`

	// ActiveCloneSessionID tracks the node's single non-terminal clone
	// session, cleared by the state machine on installed to active.
	ActiveCloneSessionID string `json:"active_clone_session_id,omitempty"`

	// PendingCommand is a one-shot instruction for the next poll
	// (poweroff|reboot|rescan), surfaced by GET /nodes/{id}/command.
	PendingCommand string `json:"pending_command,omitempty"`
}

// HasTag reports whether the node already carries tag (case already
// normalized to lowercase by the registry).
func (n *Node) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// EventKind enumerates the NodeEvent discriminator values.
type EventKind string

const (
	EventStateChange  EventKind = "state-change"
	EventSessionEvent EventKind = "session-event"
	EventProgress     EventKind = "progress"
	EventError        EventKind = "error"
	EventUserAction   EventKind = "user-action"
)

// EventSource enumerates who produced a NodeEvent.
type EventSource string

const (
	SourceController EventSource = "controller"
	SourceAgent      EventSource = "agent"
)

// Event is an append-only record attached to a node. Events are never
// mutated after write.
type Event struct {
	ID        string         `json:"id"`
	NodeID    string         `json:"node_id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      EventKind      `json:"kind"`
	Source    EventSource    `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// StateTransition is the payload shape of an EventStateChange event.
type StateTransition struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Trigger   string    `json:"trigger"`
	Timestamp time.Time `json:"timestamp"`
}

// ToPayload flattens a StateTransition into the generic Event payload map.
func (s StateTransition) ToPayload() map[string]any {
	return map[string]any{
		"from":      s.From,
		"to":        s.To,
		"trigger":   s.Trigger,
		"timestamp": s.Timestamp.Format(time.RFC3339Nano),
	}
}
