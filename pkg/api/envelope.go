// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package api wires every PureBoot component behind the versioned HTTP
// surface: one chi router per resource group, sharing the
// {success,data,message?} / {success:false,error,details?} envelope and
// the bulk {updated,failed,errors} shape.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pureboot/controller/internal/storage"
	"github.com/pureboot/controller/pkg/apierror"
	"github.com/pureboot/controller/pkg/registry"
)

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type errEnvelope struct {
	Success bool           `json:"success"`
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: data})
}

// writeErr translates any error into the {success:false,error,details}
// envelope: typed *apierror.Error carries its own status and
// details; a bare storage.ErrNotFound leaking through a component that
// forgot to wrap it becomes 404; everything else degrades to 500.
func writeErr(w http.ResponseWriter, err error) {
	if apiErr, ok := apierror.As(err); ok {
		writeJSON(w, apiErr.Status(), errEnvelope{Error: apiErr.Message, Details: apiErr.Details})
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errEnvelope{Error: "not found"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errEnvelope{Error: "internal error"})
}

func bulkEnvelope(w http.ResponseWriter, out registry.BulkOutcome) {
	type bulkErr struct {
		ID     string `json:"id"`
		Reason string `json:"reason"`
	}
	errs := make([]bulkErr, 0, len(out.Errors))
	for _, e := range out.Errors {
		errs = append(errs, bulkErr{ID: e.NodeID, Reason: e.Reason})
	}
	writeJSON(w, http.StatusOK, struct {
		Updated int       `json:"updated"`
		Failed  int       `json:"failed"`
		Errors  []bulkErr `json:"errors"`
	}{Updated: out.Updated, Failed: out.Failed, Errors: errs})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apierror.Validation("malformed request body", map[string]any{"error": err.Error()})
	}
	return nil
}
