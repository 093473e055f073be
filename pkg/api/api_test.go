// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pureboot/controller/internal/keylock"
	"github.com/pureboot/controller/internal/storage"
	"github.com/pureboot/controller/pkg/bootdispatcher"
	"github.com/pureboot/controller/pkg/ca"
	"github.com/pureboot/controller/pkg/clonesession"
	"github.com/pureboot/controller/pkg/journal"
	"github.com/pureboot/controller/pkg/partitionqueue"
	"github.com/pureboot/controller/pkg/registry"
	"github.com/pureboot/controller/pkg/sink"
	"github.com/pureboot/controller/pkg/staging"
	"github.com/pureboot/controller/pkg/statemachine"
	"github.com/pureboot/controller/pkg/workflowregistry"
)

const testWorkflow = `
id: ubuntu-2404-server
name: Ubuntu 24.04 Server
kernel: vmlinuz
initrd:
  - initrd.img
cmdline_template: "root=/dev/ram0 url={{.SourceURL}}"
arch: x86_64
boot_mode: uefi
install_method: image
image_url: http://artifacts/ubuntu.img
target_device: /dev/sda
`

// newTestServer wires every real component over an in-memory store, the
// same dependency order cmd/server uses.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := storage.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() }) //nolint:errcheck

	nodeLocks := keylock.NewSet()
	sessionLocks := keylock.NewSet()
	j := journal.New(store)
	nodes := registry.New(store, j, nodeLocks, nil)
	states := statemachine.New(store, j, nodeLocks, nil)

	wfDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wfDir, "ubuntu.yaml"), []byte(testWorkflow), 0o644))
	workflows, err := workflowregistry.New(wfDir, j, nil)
	require.NoError(t, err)

	authority := ca.New(nil)
	broker := staging.New(nil, staging.NewNFSAllocator(staging.NFSConfig{
		Server: "nfs.example", Export: "/srv/pureboot/staging", MountOpts: "nolock",
	}))
	clones := clonesession.New(store, nodes, authority, broker, sessionLocks,
		clonesession.Config{CertGraceWindow: time.Minute}, nil)
	boot := bootdispatcher.New(store, workflows, clones, nodeLocks,
		bootdispatcher.Config{ServerURL: "http://127.0.0.1:8080"}, nil)
	resilientSink := sink.New(store, nil)
	partitions := partitionqueue.New(store, nodes, resilientSink, nodeLocks, partitionqueue.Config{}, nil)

	s := New(nil)
	s.Nodes = nodes
	s.Workflows = workflows
	s.States = states
	s.Boot = boot
	s.Clones = clones
	s.Partitions = partitions
	s.Sink = resilientSink
	s.Journal = j
	s.Info = SystemInfo{ServiceName: "pureboot-controller", Version: "test", StagingBackends: []string{"nfs"}}

	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func data(t *testing.T, env map[string]any) map[string]any {
	t.Helper()
	d, ok := env["data"].(map[string]any)
	require.True(t, ok, "expected a data object in %v", env)
	return d
}

func TestFirstBootAutoRegistersAndCountsInStats(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/ipxe/boot.ipxe?mac=de:ad:be:ef:00:01")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/x-ipxe", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	script := string(body)
	assert.Contains(t, script, "#!ipxe")
	assert.Contains(t, script, "sleep 10")

	statsResp, env := doJSON(t, http.MethodGet, ts.URL+"/api/v1/nodes/stats", nil)
	require.Equal(t, http.StatusOK, statsResp.StatusCode)
	stats := data(t, env)
	byState := stats["by_state"].(map[string]any)
	assert.EqualValues(t, 1, byState["discovered"])
	assert.GreaterOrEqual(t, stats["discovered_last_hour"].(float64), float64(1))
}

func TestRegisterDuplicateMACConflicts(t *testing.T) {
	ts := newTestServer(t)

	body := map[string]any{"mac": "aa:bb:cc:dd:ee:ff", "hostname": "node1"}
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/nodes", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/nodes", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, false, env["success"])
}

func TestInvalidStateTransitionReturns409WithFromTo(t *testing.T) {
	ts := newTestServer(t)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/nodes", map[string]any{"mac": "aa:bb:cc:dd:ee:01"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := data(t, env)["id"].(string)

	resp, env = doJSON(t, http.MethodPatch, ts.URL+"/api/v1/nodes/"+id+"/state", map[string]any{"state": "active"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	details := env["details"].(map[string]any)
	assert.Equal(t, "discovered", details["from"])
	assert.Equal(t, "active", details["to"])

	// No event was appended for the rejected transition.
	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/nodes/"+id+"/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history, _ := env["data"].([]any)
	// Only the registration event records a state change (""->discovered).
	assert.LessOrEqual(t, len(history), 1)
}

func TestPartitionOperationLifecycleWithRescan(t *testing.T) {
	ts := newTestServer(t)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/nodes", map[string]any{"mac": "aa:bb:cc:dd:ee:02"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := data(t, env)["id"].(string)

	opsURL := fmt.Sprintf("%s/api/v1/nodes/%s/partition-operations", ts.URL, id)

	// Out-of-range size is a capability error (422).
	resp, _ = doJSON(t, http.MethodPost, opsURL, map[string]any{
		"operation": "resize", "device": "/dev/sda",
		"params": map[string]any{"new_size_bytes": -5},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, env = doJSON(t, http.MethodPost, opsURL, map[string]any{
		"operation": "resize", "device": "/dev/sda",
		"params": map[string]any{"partition": 2, "new_size_bytes": 107374182400},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	opID := data(t, env)["id"].(string)

	resp, env = doJSON(t, http.MethodGet, opsURL+"?status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := env["data"].([]any)
	require.Len(t, pending, 1)

	statusURL := opsURL + "/" + opID + "/status"
	resp, _ = doJSON(t, http.MethodPost, statusURL, map[string]any{"status": "in_progress"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, statusURL, map[string]any{
		"status": "completed", "result": map[string]any{"new_size_bytes": 107374182400},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Completion queued a rescan command for the agent's next poll.
	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/nodes/"+id+"/command?clear=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "rescan", data(t, env)["command"])

	// The completed op no longer shows up as pending.
	resp, env = doJSON(t, http.MethodGet, opsURL+"?status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending, _ = env["data"].([]any)
	assert.Empty(t, pending)
}

func TestDirectCloneSessionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	_, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/nodes", map[string]any{"mac": "aa:bb:cc:dd:ee:03"})
	src := data(t, env)["id"].(string)
	_, env = doJSON(t, http.MethodPost, ts.URL+"/api/v1/nodes", map[string]any{"mac": "aa:bb:cc:dd:ee:04"})
	tgt := data(t, env)["id"].(string)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/clone-sessions", map[string]any{
		"source_node_id": src, "target_node_ids": []string{tgt}, "mode": "direct",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sessionID := data(t, env)["id"].(string)
	assert.Equal(t, "created", data(t, env)["status"])

	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/clone-sessions/"+sessionID+"/certs?role=source", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	certs := data(t, env)
	assert.NotEmpty(t, certs["cert"])
	assert.NotEmpty(t, certs["key"])
	assert.NotEmpty(t, certs["ca"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/clone-sessions/"+sessionID+"/certs?role=admin", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, env = doJSON(t, http.MethodPost, ts.URL+"/api/v1/clone-sessions/"+sessionID+"/source-ready", map[string]any{
		"ip": "10.0.0.5", "port": 9999, "size_bytes": 107374182400, "device": "/dev/sda",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "source_ready", data(t, env)["status"])

	progressURL := ts.URL + "/api/v1/clone-sessions/" + sessionID + "/progress"
	resp, env = doJSON(t, http.MethodPost, progressURL, map[string]any{
		"role": "target", "timestamp": time.Now().UTC(), "bytes_transferred": 1024,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "streaming", data(t, env)["status"])

	resp, env = doJSON(t, http.MethodPost, progressURL, map[string]any{
		"role": "target", "timestamp": time.Now().UTC(), "bytes_transferred": 107374182400, "status": "complete",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "complete", data(t, env)["status"])

	// Replaying the final progress event is accepted but does not
	// resurrect the session.
	resp, env = doJSON(t, http.MethodPost, progressURL, map[string]any{
		"role": "target", "timestamp": time.Now().UTC(), "bytes_transferred": 107374182400, "status": "complete",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/clone-sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "complete", data(t, env)["status"])
}

func TestStagedCloneStagingInfoAndPlan(t *testing.T) {
	ts := newTestServer(t)

	_, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/nodes", map[string]any{"mac": "aa:bb:cc:dd:ee:05"})
	src := data(t, env)["id"].(string)
	_, env = doJSON(t, http.MethodPost, ts.URL+"/api/v1/nodes", map[string]any{"mac": "aa:bb:cc:dd:ee:06"})
	tgt := data(t, env)["id"].(string)

	resp, env := doJSON(t, http.MethodPost, ts.URL+"/api/v1/clone-sessions", map[string]any{
		"source_node_id": src, "target_node_ids": []string{tgt}, "mode": "staged",
		"resize_mode": "grow_target", "compression": true,
		"resize_plan": []map[string]any{
			{"phase": "post", "operation": "resize", "device": "/dev/sda1",
				"params": map[string]any{"new_size_bytes": 107374182400}},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sessionID := data(t, env)["id"].(string)
	assert.Equal(t, "allocating", data(t, env)["staging_status"])

	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/clone-sessions/"+sessionID+"/staging-info", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	alloc := data(t, env)
	assert.Equal(t, "nfs", alloc["type"])
	assert.Equal(t, "nfs.example", alloc["server"])
	assert.Contains(t, alloc["path"], sessionID)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/clone-sessions/"+sessionID+"/source-complete", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/clone-sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", data(t, env)["staging_status"])

	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/clone-sessions/"+sessionID+"/plan", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	plan := env["data"].([]any)
	require.Len(t, plan, 1)
}

func TestWorkflowEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, env := doJSON(t, http.MethodGet, ts.URL+"/api/v1/workflows", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := env["data"].([]any)
	require.Len(t, list, 1)

	resp, env = doJSON(t, http.MethodGet, ts.URL+"/api/v1/workflows/ubuntu-2404-server", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Ubuntu 24.04 Server", data(t, env)["name"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/workflows/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSystemInfo(t *testing.T) {
	ts := newTestServer(t)

	resp, env := doJSON(t, http.MethodGet, ts.URL+"/api/v1/system/info", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := data(t, env)
	assert.Equal(t, "pureboot-controller", info["service_name"])
	backends := info["staging_backends"].([]any)
	assert.Contains(t, backends, "nfs")
}
