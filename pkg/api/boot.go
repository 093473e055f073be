// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pureboot/controller/pkg/apierror"
)

func (s *Server) mountBoot(r chi.Router) {
	r.Get("/ipxe/boot.ipxe", s.ipxeScript)
}

// writeIPXEScript serves a rendered script as MIME text/x-ipxe.
func writeIPXEScript(w http.ResponseWriter, script string) {
	w.Header().Set("Content-Type", "text/x-ipxe")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(script)) //nolint:errcheck
}

func (s *Server) ipxeScript(w http.ResponseWriter, r *http.Request) {
	mac := r.URL.Query().Get("mac")
	if mac == "" {
		mac = chi.URLParam(r, "mac")
	}
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
