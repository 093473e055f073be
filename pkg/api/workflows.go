// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) mountWorkflows(r chi.Router) {
	r.Route("/workflows", func(r chi.Router) {
		r.Get("/", s.listWorkflows)
		r.Get("/{id}", s.getWorkflow)
	})
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	ok(w, s.Workflows.List())
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.Workflows.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	ok(w, wf)
}
