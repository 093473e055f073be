// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package workflow defines the Workflow resource: a declarative recipe
// telling the boot dispatcher which kernel, initrd, and cmdline to
// serve.
package workflow

// InstallMethod enumerates the install methods a workflow can declare.
type InstallMethod string

const (
	MethodImage     InstallMethod = "image"
	MethodClone     InstallMethod = "clone"
	MethodPartition InstallMethod = "partition"
	MethodNFSBoot   InstallMethod = "nfs-boot"
	MethodLocalBoot InstallMethod = "local-boot"
)

// Workflow is immutable once loaded; the registry only replaces the whole
// set on an explicit reload.
type Workflow struct {
	ID             string        `yaml:"id" json:"id"`
	Name           string        `yaml:"name" json:"name"`
	KernelPath     string        `yaml:"kernel" json:"kernel"`
	InitrdPaths    []string      `yaml:"initrd" json:"initrd"`
	CmdlineTmpl    string        `yaml:"cmdline_template" json:"cmdline_template"`
	Arch           string        `yaml:"arch" json:"arch"`
	BootMode       string        `yaml:"boot_mode" json:"boot_mode"`
	InstallMethod  InstallMethod `yaml:"install_method" json:"install_method"`
	ImageURL       string        `yaml:"image_url,omitempty" json:"image_url,omitempty"`
	TargetDevice   string        `yaml:"target_device,omitempty" json:"target_device,omitempty"`
	PostScriptURL  string        `yaml:"post_script_url,omitempty" json:"post_script_url,omitempty"`
}

// Params is the typed substitution set available to a workflow's cmdline
// template. Every placeholder used in CmdlineTmpl must be present
// here or rendering fails — see pkg/bootdispatcher/render.go.
type Params struct {
	NodeID       string
	MAC          string
	ServerURL    string
	SessionID    string
	TargetDevice string
	SourceURL    string
	SourceDevice string
	PostScriptURL string
}
