// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package bootdispatcher

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/pureboot/controller/pkg/resources/workflow"
)

// renderCmdline renders a workflow cmdline template against a typed
// parameter struct: tmpl is parsed in strict mode so any placeholder
// workflow.Params does not satisfy fails loudly instead of silently
// emitting an empty string.
func renderCmdline(tmpl string, params workflow.Params) (string, error) {
	t, err := template.New("cmdline").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse cmdline template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("render cmdline template: %w", err)
	}
	return buf.String(), nil
}

// pureBootCmdline builds the "pureboot.*" kernel cmdline parameters every
// rendered script must carry. mode is one of
// image, clone_source, clone_target, partition, nfs_boot, local_boot,
// or pending (the pending-mode deploy environment).
func pureBootCmdline(serverURL, nodeID, mac, mode string, extra map[string]string) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "pureboot.server=%s pureboot.node_id=%s pureboot.mac=%s pureboot.mode=%s",
		serverURL, nodeID, mac, mode)
	for _, k := range orderedKeys(extra) {
		fmt.Fprintf(&buf, " pureboot.%s=%s", k, extra[k])
	}
	return buf.String()
}

// orderedKeys returns m's keys in a fixed order so rendered cmdlines
// are stable across runs (useful for golden-output tests).
func orderedKeys(m map[string]string) []string {
	order := []string{
		"session_id", "device", "image_url", "target", "source_device",
		"clone_source", "target_ip", "target_port", "callback",
		"post_script", "nfs_server", "nfs_path", "serial", "pi_model", "state",
	}
	out := make([]string, 0, len(m))
	for _, k := range order {
		if _, ok := m[k]; ok {
			out = append(out, k)
		}
	}
	return out
}
