// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package partition defines the PartitionOperation and DiskReport types.
package partition

import "time"

// Status is the lifecycle of a queued partition operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether status cannot be re-entered.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Operation is one queued, FIFO-ordered partition action for a node.
type Operation struct {
	ID         string         `json:"id"`
	NodeID     string         `json:"node_id"`
	Sequence   int64          `json:"sequence"`
	Verb       string         `json:"operation"` // resize|create|delete|format|set_flag
	Device     string         `json:"device"`
	Params     map[string]any `json:"params,omitempty"`
	Status     Status         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Message    string         `json:"message,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
}

// TableKind enumerates the partition table kinds a DiskReport can observe.
type TableKind string

const (
	TableGPT     TableKind = "gpt"
	TableMBR     TableKind = "mbr"
	TableUnknown TableKind = "unknown"
)

// Partition is one observed partition within a Disk.
type Partition struct {
	Number    int       `json:"number"`
	StartByte int64     `json:"start_byte"`
	EndByte   int64     `json:"end_byte"`
	Filesystem string   `json:"filesystem,omitempty"`
	Label     string    `json:"label,omitempty"`
	UUID      string    `json:"uuid,omitempty"`
	Flags     []string  `json:"flags,omitempty"`
	UsedBytes int64     `json:"used_bytes,omitempty"`
	CanShrink bool      `json:"can_shrink"`
}

// Disk is one observed block device within a DiskReport.
type Disk struct {
	Device     string      `json:"device"`
	SizeBytes  int64       `json:"size_bytes"`
	Model      string      `json:"model,omitempty"`
	Serial     string      `json:"serial,omitempty"`
	Table      TableKind   `json:"table"`
	Partitions []Partition `json:"partitions,omitempty"`
}

// Report is the last-observed scan result for a node, replaced wholesale
// on each scan.
type Report struct {
	NodeID      string    `json:"node_id"`
	Disks       []Disk    `json:"disks"`
	ObservedAt  time.Time `json:"observed_at"`
}

// ShrinkCapable reports, from the filesystem name alone, whether the
// agent's documented shrink rules allow shrinking it. XFS cannot
// shrink; ext*, ntfs, and btrfs can.
func ShrinkCapable(filesystem string) bool {
	switch filesystem {
	case "xfs":
		return false
	case "ext2", "ext3", "ext4", "ntfs", "btrfs":
		return true
	default:
		return false
	}
}
