// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package bootdispatcher is the boot dispatcher: it
// generates per-node iPXE scripts, serves static network-bootloader
// artifacts over TFTP, and answers the Proxy-DHCP helper on UDP 4011.
package bootdispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pureboot/controller/internal/keylock"
	"github.com/pureboot/controller/internal/storage"
	"github.com/pureboot/controller/pkg/apierror"
	"github.com/pureboot/controller/pkg/resources/node"
	"github.com/pureboot/controller/pkg/resources/session"
	"github.com/pureboot/controller/pkg/resources/workflow"
	"github.com/pureboot/controller/pkg/validation"
)

// NodeStore is the subset of the registry the dispatcher needs: resolve
// by MAC, auto-register unknown nodes, read/write state-adjacent fields.
type NodeStore interface {
	GetNodeByMAC(ctx context.Context, mac string) (*node.Node, error)
	GetNodeByID(ctx context.Context, id string) (*node.Node, error)
	InsertNode(ctx context.Context, n *node.Node) error
	UpdateNode(ctx context.Context, n *node.Node) error
}

// WorkflowStore is the subset of the workflow registry the dispatcher needs.
type WorkflowStore interface {
	Get(id string) (*workflow.Workflow, error)
}

// SessionStore is the subset of the clone-session manager the dispatcher
// needs to resolve a node's role in its active clone session.
type SessionStore interface {
	Get(ctx context.Context, id string) (*session.CloneSession, error)
}

// Config carries the dispatcher's render-time settings.
type Config struct {
	ServerURL string        // e.g. "http://10.0.0.1:8080"
	CacheTTL  time.Duration // rendered-script cache lifetime
}

// Dispatcher generates boot scripts and serves boot artifacts.
type Dispatcher struct {
	nodes     NodeStore
	workflows WorkflowStore
	sessions  SessionStore
	locks     *keylock.Set
	cfg       Config
	cache     *scriptCache
	logger    *log.Logger
}

// New creates a Dispatcher. locks must be the same keylock.Set used by
// pkg/registry and pkg/statemachine: the dispatcher bumps last_seen and
// auto-registers nodes on every script fetch, and those writes have to
// serialize with every other per-node mutation. sessions may be nil
// (tests that never render a clone-mode script), in which case no node
// resolves to an active clone session: installed/active nodes get the
// exit script, and a clone-install workflow renders as clone_source.
func New(nodes NodeStore, workflows WorkflowStore, sessions SessionStore, locks *keylock.Set, cfg Config, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(log.Writer(), "bootdispatcher: ", log.LstdFlags)
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Second
	}
	return &Dispatcher{nodes: nodes, workflows: workflows, sessions: sessions, locks: locks, cfg: cfg, cache: newScriptCache(cfg.CacheTTL), logger: logger}
}

// InvalidateNode drops cached scripts for a node — call this whenever the
// state machine transitions it or its workflow assignment changes.
func (d *Dispatcher) InvalidateNode(nodeID string) {
	d.cache.invalidateNode(nodeID)
}

// IPXEScript implements GET /api/v1/ipxe/boot.ipxe:
// resolves the requesting node by MAC (auto-registering on first contact),
// then renders a script matching its state and workflow.
func (d *Dispatcher) IPXEScript(ctx context.Context, mac string) (string, error) {
	normMAC, ok := validation.NormalizeMAC(mac)
	if !ok {
		return "", apierror.Validation("malformed MAC address", map[string]any{"mac": mac})
	}
	n, err := d.resolveOrRegister(ctx, normMAC)
	if err != nil {
		return "", err
	}
	return d.renderForNode(ctx, n)
}

// PiScript implements GET /api/v1/boot/pi?serial=… — Raspberry Pi
// identification uses the board serial instead of a PXE-visible MAC, but
// once resolved the rendering algorithm is identical.
func (d *Dispatcher) PiScript(ctx context.Context, serial string) (string, error) {
	// Pi boards are registered with their serial stashed in Serial and a
	// synthetic locally-administered MAC derived from it, since the registry keys
	// every node by MAC; see registerPiMAC.
	mac := registerPiMAC(serial)
	n, err := d.resolveOrRegister(ctx, mac)
	if err != nil {
		return "", err
	}
	if n.Serial == "" {
		n, err = d.mutateNode(ctx, n.ID, func(n *node.Node) {
			n.Serial = serial
			n.Arch = "armv7l"
		})
		if err != nil {
			return "", err
		}
	}
	return d.renderForNode(ctx, n)
}

// RegisterPi implements POST /api/v1/nodes/register-pi: explicit
// registration of a Raspberry Pi board by serial, as opposed to the
// implicit first-contact registration PiScript performs.
func (d *Dispatcher) RegisterPi(ctx context.Context, serial, hostname string) (*node.Node, error) {
	mac := registerPiMAC(serial)
	n, err := d.resolveOrRegister(ctx, mac)
	if err != nil {
		return nil, err
	}
	return d.mutateNode(ctx, n.ID, func(n *node.Node) {
		n.Serial = serial
		n.Arch = "armv7l"
		if hostname != "" {
			n.Hostname = hostname
		}
	})
}

// registerPiMAC derives a stable, clearly-synthetic MAC from a Pi serial
// so Pi boards participate in the same MAC-keyed node registry as x86
// clients without a real PXE-visible MAC being available.
func registerPiMAC(serial string) string {
	serial = strings.ToLower(strings.TrimSpace(serial))
	if len(serial) < 6 {
		serial = strings.Repeat("0", 6-len(serial)) + serial
	}
	tail := serial[len(serial)-6:]
	return fmt.Sprintf("02:50:49:%s:%s:%s", tail[0:2], tail[2:4], tail[4:6])
}

// resolveOrRegister resolves mac to a node, creating one in state
// discovered on first contact. The MAC lookup runs unlocked to learn the
// node id; the last_seen bump (and every other write in this file) then
// re-reads and updates the row under that id's lock, the same lock
// pkg/registry and pkg/statemachine serialize on.
func (d *Dispatcher) resolveOrRegister(ctx context.Context, mac string) (*node.Node, error) {
	n, err := d.nodes.GetNodeByMAC(ctx, mac)
	if err == nil {
		return d.touch(ctx, n.ID)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	n = &node.Node{
		Metadata:     node.Metadata{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now},
		MAC:          mac,
		State:        "discovered",
		DiscoveredAt: now,
		LastSeen:     now,
	}
	d.locks.Lock(n.ID)
	insErr := d.nodes.InsertNode(ctx, n)
	d.locks.Unlock(n.ID)
	if insErr != nil {
		if errors.Is(insErr, storage.ErrDuplicateMAC) {
			// Lost a race with a concurrent register of the same MAC.
			winner, getErr := d.nodes.GetNodeByMAC(ctx, mac)
			if getErr != nil {
				return nil, getErr
			}
			return d.touch(ctx, winner.ID)
		}
		return nil, insErr
	}
	d.logger.Printf("auto-registered node %s (mac=%s) in state discovered", n.ID, mac)
	return n, nil
}

// touch refreshes a node's last_seen under its lock.
func (d *Dispatcher) touch(ctx context.Context, id string) (*node.Node, error) {
	return d.mutateNode(ctx, id, func(n *node.Node) {
		n.LastSeen = time.Now().UTC()
	})
}

// mutateNode re-reads the node under its id lock, applies fn, and
// persists the result.
func (d *Dispatcher) mutateNode(ctx context.Context, id string, fn func(n *node.Node)) (*node.Node, error) {
	d.locks.Lock(id)
	defer d.locks.Unlock(id)

	n, err := d.nodes.GetNodeByID(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(n)
	if err := d.nodes.UpdateNode(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// renderForNode picks a template by state+workflow, renders it with the
// per-node parameters, and caches the result.
func (d *Dispatcher) renderForNode(ctx context.Context, n *node.Node) (string, error) {
	key := cacheKey(n.ID, n.State, n.WorkflowID)
	if script, ok := d.cache.get(key); ok {
		return script, nil
	}

	script, err := d.generate(ctx, n)
	if err != nil {
		return "", err
	}
	d.cache.set(key, script, n.ID, n.WorkflowID)
	return script, nil
}

func (d *Dispatcher) generate(ctx context.Context, n *node.Node) (string, error) {
	switch n.State {
	case "installed", "active":
		if script, ok := d.cloneRoleScript(ctx, n); ok {
			return script, nil
		}
		return exitScript(), nil

	case "pending":
		if n.WorkflowID == "" {
			return d.pendingModeScript(n), nil
		}
		wf, err := d.workflows.Get(n.WorkflowID)
		if err != nil {
			d.logger.Printf("node %s: assigned workflow %s missing, falling back to pending mode: %v", n.ID, n.WorkflowID, err)
			return d.pendingModeScript(n), nil
		}
		return d.workflowScript(ctx, n, wf)

	case "migrating", "reprovision":
		return d.pendingModeScript(n), nil

	default:
		// discovered, ignored, wiping, decommissioned, retired: loop back,
		// the node has no work to do yet.
		return d.pendingModeScript(n), nil
	}
}

// exitScript boots an installed/active node from its local disk.
func exitScript() string {
	return "#!ipxe\nexit\n"
}

// pendingModeScript is the single "pending mode" rendering path: one
// deploy-environment script driven entirely by whether a workflow is
// assigned, no separate reboot variant. It loops back every 10s.
func (d *Dispatcher) pendingModeScript(n *node.Node) string {
	cmdline := pureBootCmdline(d.cfg.ServerURL, n.ID, n.MAC, "pending", map[string]string{
		"state": n.State,
	})
	var b strings.Builder
	b.WriteString("#!ipxe\n")
	fmt.Fprintf(&b, "kernel %s/boot/artifacts/pending/vmlinuz %s\n", d.cfg.ServerURL, cmdline)
	fmt.Fprintf(&b, "initrd %s/boot/artifacts/pending/initramfs.img\n", d.cfg.ServerURL)
	b.WriteString("boot || goto retry\n")
	b.WriteString(":retry\n")
	b.WriteString("sleep 10\n")
	fmt.Fprintf(&b, "chain %s/api/v1/ipxe/boot.ipxe\n", d.cfg.ServerURL)
	return b.String()
}

// cloneRoleScript renders the boot script for an installed/active node
// flagged into a non-terminal clone session: the generic
// deploy environment with pureboot.mode set to the node's actual role
// in that session — clone_source for the source node, clone_target for
// a target node — instead of the "exit" a node with no active session
// gets. Reports ok=false when the node has no renderable clone role, so
// the caller falls back to exit.
func (d *Dispatcher) cloneRoleScript(ctx context.Context, n *node.Node) (string, bool) {
	cs := d.activeSession(ctx, n)
	if cs == nil {
		return "", false
	}

	mode, ok := cloneRoleMode(cs, n.ID)
	if !ok {
		return "", false
	}

	extra := map[string]string{"session_id": cs.ID, "state": n.State}
	if mode == "clone_source" && cs.SourceDevice != "" {
		extra["device"] = cs.SourceDevice
	}
	cmdline := pureBootCmdline(d.cfg.ServerURL, n.ID, n.MAC, mode, extra)

	var b strings.Builder
	b.WriteString("#!ipxe\n")
	fmt.Fprintf(&b, "kernel %s/boot/artifacts/pending/vmlinuz %s\n", d.cfg.ServerURL, cmdline)
	fmt.Fprintf(&b, "initrd %s/boot/artifacts/pending/initramfs.img\n", d.cfg.ServerURL)
	b.WriteString("boot\n")
	return b.String(), true
}

// activeSession resolves n's active clone session, if any, returning nil
// when the node has none, the session store isn't wired, the lookup
// fails, or the session has already gone terminal (a terminal session
// no longer drives either node's boot role).
func (d *Dispatcher) activeSession(ctx context.Context, n *node.Node) *session.CloneSession {
	if n.ActiveCloneSessionID == "" || d.sessions == nil {
		return nil
	}
	cs, err := d.sessions.Get(ctx, n.ActiveCloneSessionID)
	if err != nil || cs == nil || cs.Status.Terminal() {
		return nil
	}
	return cs
}

// cloneRoleMode resolves nodeID's role within cs: clone_source for the
// session's source node, clone_target for any of its target nodes. ok is
// false when nodeID is neither — a stale ActiveCloneSessionID pointer.
func cloneRoleMode(cs *session.CloneSession, nodeID string) (mode string, ok bool) {
	if cs.SourceNodeID == nodeID {
		return "clone_source", true
	}
	for _, t := range cs.TargetNodeIDs {
		if t == nodeID {
			return "clone_target", true
		}
	}
	return "", false
}

// workflowScript implements the "pending + workflow present" branch: it
// renders the workflow's kernel/initrd/cmdline with per-node parameters.
func (d *Dispatcher) workflowScript(ctx context.Context, n *node.Node, wf *workflow.Workflow) (string, error) {
	mode := d.installModeFor(ctx, n, wf.InstallMethod)
	params := workflow.Params{
		NodeID:       n.ID,
		MAC:          n.MAC,
		ServerURL:    d.cfg.ServerURL,
		SessionID:    n.ActiveCloneSessionID,
		TargetDevice: wf.TargetDevice,
		SourceURL:    wf.ImageURL,
		PostScriptURL: wf.PostScriptURL,
	}
	cmdline, err := renderCmdline(wf.CmdlineTmpl, params)
	if err != nil {
		return "", fmt.Errorf("render workflow %s cmdline: %w", wf.ID, err)
	}

	extra := map[string]string{"state": n.State}
	if wf.ImageURL != "" {
		extra["image_url"] = wf.ImageURL
	}
	if wf.TargetDevice != "" {
		extra["device"] = wf.TargetDevice
		extra["target"] = wf.TargetDevice
	}
	if wf.PostScriptURL != "" {
		extra["post_script"] = wf.PostScriptURL
	}
	fullCmdline := cmdline + " " + pureBootCmdline(d.cfg.ServerURL, n.ID, n.MAC, mode, extra)

	var b strings.Builder
	b.WriteString("#!ipxe\n")
	fmt.Fprintf(&b, "kernel %s/boot/artifacts/%s/%s %s\n", d.cfg.ServerURL, wf.ID, wf.KernelPath, fullCmdline)
	for _, initrd := range wf.InitrdPaths {
		fmt.Fprintf(&b, "initrd %s/boot/artifacts/%s/%s\n", d.cfg.ServerURL, wf.ID, initrd)
	}
	b.WriteString("boot\n")
	return b.String(), nil
}

// installModeFor resolves a workflow's install method into the
// pureboot.mode cmdline value. MethodClone additionally needs n's
// actual role in its active clone session — a node with a clone-install
// workflow assigned can be either the source or the target of that
// session — so it consults the session store rather than returning a
// fixed "clone_source" for every clone workflow.
func (d *Dispatcher) installModeFor(ctx context.Context, n *node.Node, m workflow.InstallMethod) string {
	switch m {
	case workflow.MethodClone:
		if cs := d.activeSession(ctx, n); cs != nil {
			if mode, ok := cloneRoleMode(cs, n.ID); ok {
				return mode
			}
		}
		return "clone_source"
	case workflow.MethodPartition:
		return "partition"
	case workflow.MethodNFSBoot:
		return "nfs_boot"
	case workflow.MethodLocalBoot:
		return "local_boot"
	default:
		return "image"
	}
}
