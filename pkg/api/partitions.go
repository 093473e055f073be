// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pureboot/controller/pkg/apierror"
	"github.com/pureboot/controller/pkg/partitionqueue"
	"github.com/pureboot/controller/pkg/resources/partition"
)

func (s *Server) mountPartitions(r chi.Router) {
	r.Route("/nodes/{id}/partition-operations", func(r chi.Router) {
		r.Get("/", s.listPartitionOps)
		r.Post("/", s.enqueuePartitionOp)
		r.Post("/{op}/status", s.partitionOpStatus)
	})
	r.Route("/nodes/{id}/partition-mode", func(r chi.Router) {
		r.Post("/status", s.partitionModeStatus)
		r.Post("/heartbeat", s.partitionModeHeartbeat)
	})
}

func (s *Server) listPartitionOps(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	ops, err := s.Partitions.List(r.Context(), chi.URLParam(r, "id"), status)
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, ops)
}

type enqueuePartitionOpRequest struct {
	Operation string         `json:"operation"`
	Device    string         `json:"device"`
	Params    map[string]any `json:"params,omitempty"`
}

func (s *Server) enqueuePartitionOp(w http.ResponseWriter, r *http.Request) {
	var req enqueuePartitionOpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	nodeID := chi.URLParam(r, "id")
	op, err := s.Partitions.Enqueue(r.Context(), partitionqueue.EnqueueRequest{
		NodeID: nodeID,
		Verb:   req.Operation,
		Device: req.Device,
		Params: req.Params,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	created(w, op)
}

type partitionOpStatusRequest struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}

func (s *Server) partitionOpStatus(w http.ResponseWriter, r *http.Request) {
	var req partitionOpStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	status := partition.Status(req.Status)
	switch status {
	case partition.StatusInProgress, partition.StatusCompleted, partition.StatusFailed:
	default:
		writeErr(w, apierror.Validation("invalid operation status", map[string]any{"status": req.Status}))
		return
	}

	op, err := s.Partitions.ReportStatus(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "op"), status, req.Message, req.Result)
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, op)
}

func (s *Server) partitionModeStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	ms := s.Partitions.ReportModeStatus(chi.URLParam(r, "id"), req.Status, req.Message)
	ok(w, ms)
}

func (s *Server) partitionModeHeartbeat(w http.ResponseWriter, r *http.Request) {
	ms := s.Partitions.Heartbeat(chi.URLParam(r, "id"))
	ok(w, ms)
}
