// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) mountSystem(r chi.Router) {
	r.Route("/system", func(r chi.Router) {
		r.Get("/dhcp-status", s.dhcpStatus)
		r.Get("/info", s.systemInfo)
	})
}

func (s *Server) dhcpStatus(w http.ResponseWriter, r *http.Request) {
	if s.DHCPStatus == nil {
		ok(w, map[string]any{"enabled": false})
		return
	}
	ok(w, s.DHCPStatus())
}

func (s *Server) systemInfo(w http.ResponseWriter, r *http.Request) {
	ok(w, s.Info)
}
