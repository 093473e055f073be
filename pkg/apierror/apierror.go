// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package apierror defines the error kinds used across the PureBoot control
// plane and their HTTP status mapping.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP status mapping and client handling.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindStateConflict Kind = "state_conflict"
	KindCapability    Kind = "capability"
	KindTransport     Kind = "transport"
	KindInternal      Kind = "internal"
)

// Error is the typed error every PureBoot component returns for request
// failures. Handlers translate it into the {success:false,error,details}
// envelope the HTTP API returns.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Status returns the HTTP status code for the error's kind.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindStateConflict:
		return http.StatusConflict
	case KindCapability:
		return http.StatusUnprocessableEntity
	case KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func new(kind Kind, msg string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: msg, Details: details}
}

// Validation reports a malformed request: bad MAC, invalid state name,
// missing required parameter. (An out-of-range size is reported as
// Capability and a duplicate MAC on create as StateConflict.)
func Validation(msg string, details map[string]any) *Error {
	return new(KindValidation, msg, details)
}

// NotFound reports an unknown node, session, workflow, or operation.
func NotFound(resource, id string) *Error {
	return new(KindNotFound, fmt.Sprintf("%s %q not found", resource, id), nil)
}

// StateConflict reports an invalid state transition or a conflicting
// operation against a resource already in a terminal/incompatible state.
func StateConflict(msg string, from, to string) *Error {
	details := map[string]any{}
	if from != "" {
		details["from"] = from
	}
	if to != "" {
		details["to"] = to
	}
	return new(KindStateConflict, msg, details)
}

// Capability reports a request the controller understands but cannot
// satisfy: shrink on XFS, format with an unsupported filesystem, no
// staging backend configured.
func Capability(msg string, details map[string]any) *Error {
	return new(KindCapability, msg, details)
}

// Internal wraps an unexpected failure (store errors) with an opaque id
// safe to return to clients; the original error is kept in Err (reachable
// through Error and Unwrap) and is not part of the client-facing Message.
// Nothing here logs or journals it.
func Internal(opaqueID string, err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error: " + opaqueID, Err: err}
}

// As is a convenience wrapper over errors.As for *Error.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
