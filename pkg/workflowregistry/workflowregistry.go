// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package workflowregistry loads Workflow definitions from a declarative
// on-disk store: YAML files under a directory, loaded at
// startup and replaced wholesale on explicit reload. It never executes
// anything; it only supplies workflows and rendered cmdline parameters to
// the boot dispatcher.
package workflowregistry

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pureboot/controller/pkg/apierror"
	"github.com/pureboot/controller/pkg/journal"
	"github.com/pureboot/controller/pkg/resources/node"
	"github.com/pureboot/controller/pkg/resources/workflow"
)

// Registry holds the current, immutable-until-reload set of workflows.
type Registry struct {
	dir   string
	audit *journal.Journal

	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow

	logger *log.Logger
}

// New creates a Registry rooted at dir and performs the initial load.
// audit may be nil; when set, every reload appends a journal event
// recording the old/new definition counts so a bad reload is visible in
// the activity views.
func New(dir string, audit *journal.Journal, logger *log.Logger) (*Registry, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "workflowregistry: ", log.LstdFlags)
	}
	r := &Registry{dir: dir, audit: audit, workflows: make(map[string]*workflow.Workflow), logger: logger}
	if err := r.Reload(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads every *.yml/*.yaml file under dir and atomically
// replaces the in-memory set. A malformed file aborts the reload,
// leaving the previous set intact.
func (r *Registry) Reload(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("read workflow dir %s: %w", r.dir, err)
	}

	next := make(map[string]*workflow.Workflow)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var wf workflow.Workflow
		if err := yaml.Unmarshal(data, &wf); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if wf.ID == "" {
			return fmt.Errorf("%s: missing id", path)
		}
		next[wf.ID] = &wf
	}

	r.mu.Lock()
	old := len(r.workflows)
	r.workflows = next
	r.mu.Unlock()

	if r.audit != nil {
		if err := r.audit.RecordSystem(ctx, node.EventUserAction, map[string]any{
			"action":           "workflow-reload",
			"workflows_before": old,
			"workflows_after":  len(next),
		}); err != nil {
			r.logger.Printf("workflow reload: journal append failed: %v", err)
		}
	}
	r.logger.Printf("workflows reloaded: %d -> %d", old, len(next))
	return nil
}

// Get returns a workflow by id.
func (r *Registry) Get(id string) (*workflow.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[id]
	if !ok {
		return nil, apierror.NotFound("workflow", id)
	}
	return wf, nil
}

// List returns every loaded workflow.
func (r *Registry) List() []*workflow.Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*workflow.Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, wf)
	}
	return out
}

// Count reports how many workflows are currently loaded, used by the
// reload log line.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows)
}
