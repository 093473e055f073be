// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pureboot/controller/pkg/apierror"
	"github.com/pureboot/controller/pkg/registry"
	"github.com/pureboot/controller/pkg/resources/partition"
)

func (s *Server) mountNodes(r chi.Router) {
	r.Route("/nodes", func(r chi.Router) {
		r.Get("/", s.listNodes)
		r.Post("/", s.registerNode)
		r.Get("/stats", s.nodeStats)
		r.Post("/register-pi", s.registerPi)
		r.Post("/bulk/{action}", s.bulkNodes)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getNode)
			r.Patch("/", s.patchNode)
			r.Patch("/state", s.patchNodeState)
			r.Delete("/", s.deleteNode)
			r.Post("/tags", s.addTag)
			r.Delete("/tags/{tag}", s.removeTag)
			r.Get("/events", s.nodeEvents)
			r.Get("/history", s.nodeHistory)
			r.Post("/disks/report", s.reportDisks)
			r.Get("/disks/scan-status", s.diskScanStatus)
			r.Get("/command", s.nodeCommand)
		})
	})

	r.Get("/boot/pi", s.bootPi)
	r.Get("/boot/instructions", s.bootInstructions)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.Nodes.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, nodes)
}

type registerNodeRequest struct {
	MAC      string `json:"mac"`
	Hostname string `json:"hostname,omitempty"`
	Arch     string `json:"arch,omitempty"`
	BootMode string `json:"boot_mode,omitempty"`
	Vendor   string `json:"vendor,omitempty"`
	Model    string `json:"model,omitempty"`
	Serial   string `json:"serial,omitempty"`
	IPHint   string `json:"ip_hint,omitempty"`
}

func (s *Server) registerNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	n, isNew, err := s.Nodes.Register(r.Context(), req.MAC, registry.Attributes{
		Hostname: req.Hostname, Arch: req.Arch, BootMode: req.BootMode,
		Vendor: req.Vendor, Model: req.Model, Serial: req.Serial, IPHint: req.IPHint,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if !isNew {
		writeErr(w, apierror.StateConflict("node with this mac already registered", "", ""))
		return
	}
	created(w, n)
}

func (s *Server) nodeStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Nodes.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, stats)
}

type registerPiRequest struct {
	Serial   string `json:"serial"`
	Hostname string `json:"hostname,omitempty"`
}

func (s *Server) registerPi(w http.ResponseWriter, r *http.Request) {
	var req registerPiRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Serial == "" {
		writeErr(w, apierror.Validation("serial is required", nil))
		return
	}
	n, err := s.Boot.RegisterPi(r.Context(), req.Serial, req.Hostname)
	if err != nil {
		writeErr(w, err)
		return
	}
	created(w, n)
}

func (s *Server) bulkNodes(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	var req struct {
		NodeIDs    []string `json:"node_ids"`
		Tag        string   `json:"tag,omitempty"`
		GroupID    string   `json:"group_id,omitempty"`
		WorkflowID string   `json:"workflow_id,omitempty"`
		State      string   `json:"state,omitempty"`
		Trigger    string   `json:"trigger,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if len(req.NodeIDs) == 0 {
		writeErr(w, apierror.Validation("node_ids is required", nil))
		return
	}

	switch action {
	case "add-tag":
		bulkEnvelope(w, s.Nodes.BulkAddTag(r.Context(), req.NodeIDs, req.Tag))
	case "remove-tag":
		bulkEnvelope(w, s.Nodes.BulkRemoveTag(r.Context(), req.NodeIDs, req.Tag))
	case "assign-group":
		bulkEnvelope(w, s.Nodes.BulkAssignGroup(r.Context(), req.NodeIDs, req.GroupID))
	case "assign-workflow":
		bulkEnvelope(w, s.Nodes.BulkAssignWorkflow(r.Context(), req.NodeIDs, req.WorkflowID))
	case "change-state":
		trigger := req.Trigger
		if trigger == "" {
			trigger = "api-bulk"
		}
		results := s.States.BulkTransition(r.Context(), req.NodeIDs, req.State, trigger)
		var out registry.BulkOutcome
		for _, res := range results {
			if res.Err != nil {
				out.Failed++
				out.Errors = append(out.Errors, registry.BulkResult{NodeID: res.NodeID, Reason: res.Err.Error()})
				continue
			}
			out.Updated++
			s.Boot.InvalidateNode(res.NodeID)
		}
		bulkEnvelope(w, out)
	default:
		writeErr(w, apierror.Validation("unknown bulk action", map[string]any{"action": action}))
	}
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.Nodes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, n)
}

type patchNodeRequest struct {
	Hostname   *string `json:"hostname,omitempty"`
	Arch       *string `json:"arch,omitempty"`
	BootMode   *string `json:"boot_mode,omitempty"`
	Vendor     *string `json:"vendor,omitempty"`
	Model      *string `json:"model,omitempty"`
	Serial     *string `json:"serial,omitempty"`
	IPHint     *string `json:"ip_hint,omitempty"`
	GroupID    *string `json:"group_id,omitempty"`
	WorkflowID *string `json:"workflow_id,omitempty"`
}

func (s *Server) patchNode(w http.ResponseWriter, r *http.Request) {
	var req patchNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	n, err := s.Nodes.Update(r.Context(), id, registry.Patch{
		Hostname: req.Hostname, Arch: req.Arch, BootMode: req.BootMode,
		Vendor: req.Vendor, Model: req.Model, Serial: req.Serial, IPHint: req.IPHint,
		GroupID: req.GroupID, WorkflowID: req.WorkflowID,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if req.WorkflowID != nil {
		s.Boot.InvalidateNode(id)
	}
	ok(w, n)
}

func (s *Server) patchNodeState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State   string `json:"state"`
		Trigger string `json:"trigger,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = "api"
	}
	id := chi.URLParam(r, "id")
	n, err := s.States.Transition(r.Context(), id, req.State, trigger)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.Boot.InvalidateNode(id)
	ok(w, n)
}

func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	if err := s.Nodes.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tag string `json:"tag"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	n, err := s.Nodes.AddTag(r.Context(), chi.URLParam(r, "id"), req.Tag)
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, n)
}

func (s *Server) removeTag(w http.ResponseWriter, r *http.Request) {
	n, err := s.Nodes.RemoveTag(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "tag"))
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, n)
}

func (s *Server) nodeEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.Journal.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, events)
}

func (s *Server) nodeHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.Journal.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, events)
}

func (s *Server) reportDisks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var report partition.Report
	if err := decodeJSON(r, &report); err != nil {
		writeErr(w, err)
		return
	}
	report.NodeID = id
	if err := s.Partitions.ReportDisks(r.Context(), &report); err != nil {
		writeErr(w, err)
		return
	}
	ok(w, report)
}

func (s *Server) diskScanStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.Partitions.DiskReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, report)
}

func (s *Server) nodeCommand(w http.ResponseWriter, r *http.Request) {
	clear := r.URL.Query().Get("clear") == "true"
	cmd, err := s.Nodes.Command(r.Context(), chi.URLParam(r, "id"), clear)
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, map[string]string{"command": cmd})
}

func (s *Server) bootPi(w http.ResponseWriter, r *http.Request) {
	serial := r.URL.Query().Get("serial")
	if serial == "" {
		writeErr(w, apierror.Validation("serial query parameter is required", nil))
		return
	}
	script, err := s.Boot.PiScript(r.Context(), serial)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeIPXEScript(w, script)
}

func (s *Server) bootInstructions(w http.ResponseWriter, r *http.Request) {
	mac := r.URL.Query().Get("mac")
	if mac == "" {
		writeErr(w, apierror.Validation("mac query parameter is required", nil))
		return
	}
	script, err := s.Boot.IPXEScript(r.Context(), mac)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeIPXEScript(w, script)
}
