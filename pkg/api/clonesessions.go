// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pureboot/controller/pkg/apierror"
	"github.com/pureboot/controller/pkg/clonesession"
	"github.com/pureboot/controller/pkg/resources/session"
	"github.com/pureboot/controller/pkg/sink"
)

// Consolidated on /api/v1/clone-sessions/*; /clone/sessions does not exist.
func (s *Server) mountCloneSessions(r chi.Router) {
	r.Route("/clone-sessions", func(r chi.Router) {
		r.Post("/", s.createCloneSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getCloneSession)
			r.Post("/cancel", s.cancelCloneSession)
			r.Get("/certs", s.cloneSessionCerts)
			r.Post("/source-ready", s.cloneSessionSourceReady)
			r.Post("/progress", s.cloneSessionProgress)
			r.Post("/complete", s.cloneSessionComplete)
			r.Post("/failed", s.cloneSessionFailed)
			r.Get("/staging-info", s.cloneSessionStagingInfo)
			r.Post("/staging-status", s.cloneSessionStagingStatus)
			r.Post("/source-complete", s.cloneSessionSourceComplete)
			r.Get("/plan", s.cloneSessionPlan)
			r.Get("/resize-plan", s.cloneSessionPlan)
		})
	})
}

type planItemRequest struct {
	Phase     string         `json:"phase"`
	Operation string         `json:"operation"`
	Device    string         `json:"device"`
	Params    map[string]any `json:"params,omitempty"`
}

type createCloneSessionRequest struct {
	SourceNodeID  string            `json:"source_node_id"`
	TargetNodeIDs []string          `json:"target_node_ids"`
	Mode          string            `json:"mode"`
	StagingType   string            `json:"staging_type,omitempty"`
	ResizeMode    string            `json:"resize_mode,omitempty"`
	ResizePlan    []planItemRequest `json:"resize_plan,omitempty"`
	Compression   bool              `json:"compression,omitempty"`
}

func (s *Server) createCloneSession(w http.ResponseWriter, r *http.Request) {
	var req createCloneSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}

	plan := make([]session.PlanItem, 0, len(req.ResizePlan))
	for _, item := range req.ResizePlan {
		plan = append(plan, session.PlanItem{
			Phase: item.Phase, Operation: item.Operation, Device: item.Device, Params: item.Params,
		})
	}

	cs, err := s.Clones.Create(r.Context(), clonesession.CreateRequest{
		SourceNodeID:  req.SourceNodeID,
		TargetNodeIDs: req.TargetNodeIDs,
		Mode:          session.Mode(req.Mode),
		StagingType:   session.StagingAllocationType(req.StagingType),
		ResizeMode:    session.ResizeMode(req.ResizeMode),
		ResizePlan:    plan,
		Compression:   req.Compression,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	s.Boot.InvalidateNode(req.SourceNodeID)
	for _, t := range req.TargetNodeIDs {
		s.Boot.InvalidateNode(t)
	}
	created(w, cs)
}

func (s *Server) getCloneSession(w http.ResponseWriter, r *http.Request) {
	cs, err := s.Clones.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, cs)
}

func (s *Server) cancelCloneSession(w http.ResponseWriter, r *http.Request) {
	cs, err := s.Clones.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, cs)
}

func (s *Server) cloneSessionCerts(w http.ResponseWriter, r *http.Request) {
	role := session.Role(r.URL.Query().Get("role"))
	if role != session.RoleSource && role != session.RoleTarget {
		writeErr(w, apierror.Validation("role must be source or target", map[string]any{"role": string(role)}))
		return
	}
	certPEM, keyPEM, caPEM, err := s.Clones.Certs(r.Context(), chi.URLParam(r, "id"), role)
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, map[string]string{
		"cert": string(certPEM),
		"key":  string(keyPEM),
		"ca":   string(caPEM),
	})
}

func (s *Server) cloneSessionSourceReady(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IP        string `json:"ip"`
		Port      int    `json:"port"`
		SizeBytes int64  `json:"size_bytes"`
		Device    string `json:"device"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	cs, err := s.Clones.SourceReady(r.Context(), chi.URLParam(r, "id"), clonesession.SourceReadyRequest{
		IP: req.IP, Port: req.Port, SizeBytes: req.SizeBytes, Device: req.Device,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, cs)
}

// cloneSessionProgress implements POST /clone-sessions/{id}/progress, the
// resilient-update sink's wire contract: idempotent, de-duplicated,
// max-monotonic ingest. The state-machine half of the same call (moving
// source_ready -> streaming on first contact) is handled separately by
// pkg/clonesession, which owns the session's lifecycle status. A direct-
// mode target reporting {status:complete} on this same endpoint drives
// the session to its terminal state here too, rather than requiring a
// separate call to /complete.
func (s *Server) cloneSessionProgress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role             string    `json:"role"`
		Timestamp        time.Time `json:"timestamp"`
		BytesTransferred int64     `json:"bytes_transferred"`
		RateBytesPerSec  int64     `json:"rate_bytes_per_sec,omitempty"`
		Status           string    `json:"status,omitempty"`
		Message          string    `json:"message,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	role := sink.Role(req.Role)
	if role != sink.RoleSource && role != sink.RoleTarget {
		writeErr(w, apierror.Validation("role must be source or target", map[string]any{"role": req.Role}))
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	id := chi.URLParam(r, "id")
	if err := s.Sink.Ingest(r.Context(), sink.Update{
		SessionOrOpID:    id,
		Role:             role,
		Timestamp:        req.Timestamp,
		BytesTransferred: req.BytesTransferred,
		RateBytesPerSec:  req.RateBytesPerSec,
		Status:           req.Status,
		Message:          req.Message,
	}); err != nil {
		writeErr(w, err)
		return
	}

	cs, err := s.Clones.MarkStreaming(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}

	if req.Status == "complete" {
		cs, err = s.Clones.Complete(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		s.Boot.InvalidateNode(cs.SourceNodeID)
		for _, t := range cs.TargetNodeIDs {
			s.Boot.InvalidateNode(t)
		}
	}
	ok(w, cs)
}

func (s *Server) cloneSessionComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cs, err := s.Clones.Complete(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.Boot.InvalidateNode(cs.SourceNodeID)
	for _, t := range cs.TargetNodeIDs {
		s.Boot.InvalidateNode(t)
	}
	ok(w, cs)
}

func (s *Server) cloneSessionFailed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ErrorCode string `json:"error_code,omitempty"`
		ErrorText string `json:"error_text,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	cs, err := s.Clones.Fail(r.Context(), chi.URLParam(r, "id"), req.ErrorCode, req.ErrorText)
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, cs)
}

func (s *Server) cloneSessionStagingInfo(w http.ResponseWriter, r *http.Request) {
	alloc, err := s.Clones.StagingInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, alloc)
}

func (s *Server) cloneSessionStagingStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	cs, err := s.Clones.SetStagingStatus(r.Context(), chi.URLParam(r, "id"), session.StagingStatus(req.Status))
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, cs)
}

// cloneSessionSourceComplete marks the source side of a staged clone
// finished uploading (staging_status -> ready); the overall session
// completes separately once the target confirms it has downloaded.
func (s *Server) cloneSessionSourceComplete(w http.ResponseWriter, r *http.Request) {
	cs, err := s.Clones.SetStagingStatus(r.Context(), chi.URLParam(r, "id"), session.StagingReady)
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, cs)
}

func (s *Server) cloneSessionPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.Clones.Plan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, plan)
}
