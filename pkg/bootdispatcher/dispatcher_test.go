// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package bootdispatcher

import (
	"context"
	"strings"
	"testing"

	"github.com/pureboot/controller/internal/keylock"
	"github.com/pureboot/controller/internal/storage"
	"github.com/pureboot/controller/pkg/apierror"
	"github.com/pureboot/controller/pkg/resources/node"
	"github.com/pureboot/controller/pkg/resources/session"
	"github.com/pureboot/controller/pkg/resources/workflow"
)

type fakeNodeStore struct {
	byMAC map[string]*node.Node
}

func newFakeNodeStore() *fakeNodeStore {
	return &fakeNodeStore{byMAC: make(map[string]*node.Node)}
}

func (f *fakeNodeStore) GetNodeByMAC(_ context.Context, mac string) (*node.Node, error) {
	n, ok := f.byMAC[mac]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return n, nil
}

func (f *fakeNodeStore) GetNodeByID(_ context.Context, id string) (*node.Node, error) {
	for _, n := range f.byMAC {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeNodeStore) InsertNode(_ context.Context, n *node.Node) error {
	if _, exists := f.byMAC[n.MAC]; exists {
		return storage.ErrDuplicateMAC
	}
	f.byMAC[n.MAC] = n
	return nil
}

func (f *fakeNodeStore) UpdateNode(_ context.Context, n *node.Node) error {
	f.byMAC[n.MAC] = n
	return nil
}

type fakeWorkflows struct {
	workflows map[string]*workflow.Workflow
}

func (f *fakeWorkflows) Get(id string) (*workflow.Workflow, error) {
	wf, ok := f.workflows[id]
	if !ok {
		return nil, apierror.NotFound("workflow", id)
	}
	return wf, nil
}

type fakeSessions struct {
	sessions map[string]*session.CloneSession
}

func (f *fakeSessions) Get(_ context.Context, id string) (*session.CloneSession, error) {
	cs, ok := f.sessions[id]
	if !ok {
		return nil, apierror.NotFound("clone session", id)
	}
	return cs, nil
}

func newDispatcher(nodes *fakeNodeStore, workflows *fakeWorkflows, sessions *fakeSessions) *Dispatcher {
	if workflows == nil {
		workflows = &fakeWorkflows{workflows: map[string]*workflow.Workflow{}}
	}
	var ss SessionStore
	if sessions != nil {
		ss = sessions
	}
	return New(nodes, workflows, ss, keylock.NewSet(), Config{ServerURL: "http://10.0.0.1:8080"}, nil)
}

func TestIPXEScriptAutoRegistersUnknownMAC(t *testing.T) {
	nodes := newFakeNodeStore()
	d := newDispatcher(nodes, nil, nil)

	script, err := d.IPXEScript(context.Background(), "DE:AD:BE:EF:00:01")
	if err != nil {
		t.Fatalf("ipxe script: %v", err)
	}

	n, ok := nodes.byMAC["de:ad:be:ef:00:01"]
	if !ok {
		t.Fatal("expected unknown MAC to auto-register under its normalized form")
	}
	if n.State != "discovered" {
		t.Errorf("expected discovered state, got %s", n.State)
	}
	if !strings.HasPrefix(script, "#!ipxe") {
		t.Errorf("expected an ipxe script, got %q", script)
	}
	if !strings.Contains(script, "sleep 10") || !strings.Contains(script, "chain http://10.0.0.1:8080/api/v1/ipxe/boot.ipxe") {
		t.Errorf("expected pending script to loop back every 10s, got %q", script)
	}
}

func TestIPXEScriptRejectsMalformedMAC(t *testing.T) {
	d := newDispatcher(newFakeNodeStore(), nil, nil)

	_, err := d.IPXEScript(context.Background(), "de-ad-be-ef-00-01")
	apiErr, ok := apierror.As(err)
	if !ok || apiErr.Kind != apierror.KindValidation {
		t.Fatalf("expected validation error for dash-separated MAC, got %v", err)
	}
}

func TestInstalledNodeWithoutSessionGetsExit(t *testing.T) {
	nodes := newFakeNodeStore()
	nodes.byMAC["aa:bb:cc:dd:ee:ff"] = &node.Node{
		Metadata: node.Metadata{ID: "n1"}, MAC: "aa:bb:cc:dd:ee:ff", State: "installed",
	}
	d := newDispatcher(nodes, nil, nil)

	script, err := d.IPXEScript(context.Background(), "aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("ipxe script: %v", err)
	}
	if script != "#!ipxe\nexit\n" {
		t.Errorf("expected exit script for installed node, got %q", script)
	}
}

func TestPendingNodeWithWorkflowRendersKernelAndCmdline(t *testing.T) {
	nodes := newFakeNodeStore()
	nodes.byMAC["aa:bb:cc:dd:ee:ff"] = &node.Node{
		Metadata: node.Metadata{ID: "n1"}, MAC: "aa:bb:cc:dd:ee:ff", State: "pending", WorkflowID: "ubuntu-2404",
	}
	workflows := &fakeWorkflows{workflows: map[string]*workflow.Workflow{
		"ubuntu-2404": {
			ID:            "ubuntu-2404",
			KernelPath:    "vmlinuz",
			InitrdPaths:   []string{"initrd.img"},
			CmdlineTmpl:   "root=/dev/ram0 url={{.SourceURL}}",
			InstallMethod: workflow.MethodImage,
			ImageURL:      "http://10.0.0.1:8080/images/ubuntu.img",
			TargetDevice:  "/dev/sda",
		},
	}}
	d := newDispatcher(nodes, workflows, nil)

	script, err := d.IPXEScript(context.Background(), "aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("ipxe script: %v", err)
	}
	for _, want := range []string{
		"kernel http://10.0.0.1:8080/boot/artifacts/ubuntu-2404/vmlinuz",
		"initrd http://10.0.0.1:8080/boot/artifacts/ubuntu-2404/initrd.img",
		"url=http://10.0.0.1:8080/images/ubuntu.img",
		"pureboot.node_id=n1",
		"pureboot.mode=image",
		"pureboot.image_url=http://10.0.0.1:8080/images/ubuntu.img",
		"pureboot.device=/dev/sda",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q:\n%s", want, script)
		}
	}
}

func TestActiveNodeInCloneSessionGetsRoleScript(t *testing.T) {
	nodes := newFakeNodeStore()
	nodes.byMAC["aa:bb:cc:dd:ee:01"] = &node.Node{
		Metadata: node.Metadata{ID: "src"}, MAC: "aa:bb:cc:dd:ee:01", State: "active", ActiveCloneSessionID: "s1",
	}
	nodes.byMAC["aa:bb:cc:dd:ee:02"] = &node.Node{
		Metadata: node.Metadata{ID: "tgt"}, MAC: "aa:bb:cc:dd:ee:02", State: "active", ActiveCloneSessionID: "s1",
	}
	sessions := &fakeSessions{sessions: map[string]*session.CloneSession{
		"s1": {
			ID: "s1", SourceNodeID: "src", TargetNodeIDs: []string{"tgt"},
			Mode: session.ModeDirect, Status: session.StatusCreated, SourceDevice: "/dev/sda",
		},
	}}
	d := newDispatcher(nodes, nil, sessions)

	srcScript, err := d.IPXEScript(context.Background(), "aa:bb:cc:dd:ee:01")
	if err != nil {
		t.Fatalf("source script: %v", err)
	}
	if !strings.Contains(srcScript, "pureboot.mode=clone_source") {
		t.Errorf("expected clone_source mode for the source node:\n%s", srcScript)
	}
	if !strings.Contains(srcScript, "pureboot.session_id=s1") || !strings.Contains(srcScript, "pureboot.device=/dev/sda") {
		t.Errorf("expected session id and device on the source cmdline:\n%s", srcScript)
	}

	tgtScript, err := d.IPXEScript(context.Background(), "aa:bb:cc:dd:ee:02")
	if err != nil {
		t.Fatalf("target script: %v", err)
	}
	if !strings.Contains(tgtScript, "pureboot.mode=clone_target") {
		t.Errorf("expected clone_target mode for the target node:\n%s", tgtScript)
	}
}

func TestTerminalSessionFallsBackToExit(t *testing.T) {
	nodes := newFakeNodeStore()
	nodes.byMAC["aa:bb:cc:dd:ee:01"] = &node.Node{
		Metadata: node.Metadata{ID: "src"}, MAC: "aa:bb:cc:dd:ee:01", State: "active", ActiveCloneSessionID: "s1",
	}
	sessions := &fakeSessions{sessions: map[string]*session.CloneSession{
		"s1": {ID: "s1", SourceNodeID: "src", Status: session.StatusComplete},
	}}
	d := newDispatcher(nodes, nil, sessions)

	script, err := d.IPXEScript(context.Background(), "aa:bb:cc:dd:ee:01")
	if err != nil {
		t.Fatalf("ipxe script: %v", err)
	}
	if script != "#!ipxe\nexit\n" {
		t.Errorf("expected exit once the session is terminal, got %q", script)
	}
}

func TestRegisterPiDerivesStableSyntheticMAC(t *testing.T) {
	nodes := newFakeNodeStore()
	d := newDispatcher(nodes, nil, nil)

	n1, err := d.RegisterPi(context.Background(), "10000000abcdef", "pi-1")
	if err != nil {
		t.Fatalf("register pi: %v", err)
	}
	n2, err := d.RegisterPi(context.Background(), "10000000abcdef", "pi-1")
	if err != nil {
		t.Fatalf("register pi again: %v", err)
	}
	if n1.ID != n2.ID {
		t.Errorf("expected the same serial to resolve to the same node, got %s vs %s", n1.ID, n2.ID)
	}
	if n1.Serial != "10000000abcdef" || n1.Arch != "armv7l" {
		t.Errorf("expected serial and arch recorded, got %+v", n1)
	}
}
