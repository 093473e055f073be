// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package session defines the CloneSession resource and its satellite
// in-memory-only types.
package session

import "time"

// Mode distinguishes a direct mTLS stream from a staged NFS/iSCSI clone.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeStaged Mode = "staged"
)

// Status is the clone-session lifecycle state (distinct from node state).
type Status string

const (
	StatusCreated     Status = "created"
	StatusSourceReady Status = "source_ready"
	StatusStreaming   Status = "streaming"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether status is one a session cannot leave.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// StagingStatus is the overlay lifecycle for staged-mode sessions.
type StagingStatus string

const (
	StagingNone        StagingStatus = "none"
	StagingAllocating  StagingStatus = "allocating"
	StagingUploading   StagingStatus = "uploading"
	StagingReady       StagingStatus = "ready"
	StagingDownloading StagingStatus = "downloading"
	StagingReleased    StagingStatus = "released"
)

// ResizeMode is the post/pre-clone resize behavior attached to a session.
type ResizeMode string

const (
	ResizeNone        ResizeMode = "none"
	ResizeShrinkSrc   ResizeMode = "shrink_source"
	ResizeGrowTarget  ResizeMode = "grow_target"
)

// Role discriminates the two sides of a clone.
type Role string

const (
	RoleSource Role = "source"
	RoleTarget Role = "target"
)

// BytesProgress tracks transfer progress for one role.
type BytesProgress struct {
	BytesTransferred int64     `json:"bytes_transferred"`
	RateBytesPerSec  int64     `json:"rate_bytes_per_sec,omitempty"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}

// CloneSession is the durable record of a peer-to-peer or staged disk
// clone between a source and one or more target nodes.
type CloneSession struct {
	ID            string                `json:"id"`
	SourceNodeID  string                `json:"source_node_id"`
	TargetNodeIDs []string              `json:"target_node_ids"`
	Mode          Mode                  `json:"mode"`
	Status        Status                `json:"status"`
	StagingStatus StagingStatus         `json:"staging_status"`
	// StagingType selects which broker allocator (nfs|iscsi) a staged-mode
	// session uses; zero value for direct-mode sessions.
	StagingType StagingAllocationType `json:"staging_type,omitempty"`
	ResizeMode  ResizeMode            `json:"resize_mode"`
	ResizePlan  []PlanItem            `json:"resize_plan,omitempty"`
	Compression bool                  `json:"compression"`
	TotalBytes  int64                 `json:"total_bytes,omitempty"`
	Source      BytesProgress         `json:"source_progress"`
	Target      BytesProgress         `json:"target_progress"`

	SourceIP     string `json:"source_ip,omitempty"`
	SourcePort   int    `json:"source_port,omitempty"`
	SourceDevice string `json:"source_device,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	SourceReadyAt  *time.Time `json:"source_ready_at,omitempty"`
	StreamingAt    *time.Time `json:"streaming_at,omitempty"`
	TerminalAt     *time.Time `json:"terminal_at,omitempty"`
	ErrorText      string     `json:"error_text,omitempty"`
	ErrorCode      string     `json:"error_code,omitempty"`
}

// PlanItem is one step of a resize plan: a PartitionOperation-shaped blob
// the agent executes sequentially, reporting per-item outcomes.
type PlanItem struct {
	Phase      string         `json:"phase"` // "pre" (source, before streaming) or "post" (target, after)
	Operation  string         `json:"operation"`
	Device     string         `json:"device"`
	Params     map[string]any `json:"params,omitempty"`
	// CapabilityWarning is attached by the controller's shape-only
	// validator when a requested combination (e.g. grow_target on NTFS)
	// is accepted but not guaranteed supported by the agent.
	CapabilityWarning string `json:"capability_warning,omitempty"`
}

// Certificates is the ephemeral per-session mTLS material. Never
// persisted to the store; lives only in the pkg/ca Authority's
// in-memory table and is destroyed on terminal transition + grace window.
type Certificates struct {
	SessionID string
	CAPEM     []byte
	CAKeyPEM  []byte
	Source    LeafCert
	Target    LeafCert
	IssuedAt  time.Time
}

// LeafCert is one role's cert/key pair.
type LeafCert struct {
	CertPEM []byte
	KeyPEM  []byte
}

// StagingAllocationType discriminates the two staging backends.
type StagingAllocationType string

const (
	StagingTypeNFS   StagingAllocationType = "nfs"
	StagingTypeISCSI StagingAllocationType = "iscsi"
)

// StagingAllocation is the broker's handed-out shape for a staged clone,
// scoped to the session's lifetime.
type StagingAllocation struct {
	SessionID string                `json:"session_id"`
	Type      StagingAllocationType `json:"type"`

	// NFS fields.
	NFSServer       string `json:"server,omitempty"`
	NFSExport       string `json:"export,omitempty"`
	NFSPath         string `json:"path,omitempty"`
	NFSMountOptions string `json:"options,omitempty"`
	ImageFilename   string `json:"image_filename,omitempty"`

	// iSCSI fields.
	ISCSIPortal   string `json:"portal,omitempty"`
	ISCSITarget   string `json:"target,omitempty"`
	ISCSILUN      int    `json:"lun,omitempty"`
	CHAPUsername  string `json:"chap_username,omitempty"`
	CHAPPassword  string `json:"chap_password,omitempty"`

	AllocatedAt time.Time `json:"allocated_at"`
}
