// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package api

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pureboot/controller/pkg/bootdispatcher"
	"github.com/pureboot/controller/pkg/clonesession"
	"github.com/pureboot/controller/pkg/journal"
	"github.com/pureboot/controller/pkg/partitionqueue"
	"github.com/pureboot/controller/pkg/registry"
	"github.com/pureboot/controller/pkg/sink"
	"github.com/pureboot/controller/pkg/statemachine"
	"github.com/pureboot/controller/pkg/workflowregistry"
)

// SystemInfo describes build/version metadata and enabled subsystems,
// so agents and operators can confirm which staging backends are
// configured.
type SystemInfo struct {
	ServiceName     string   `json:"service_name"`
	Version         string   `json:"version"`
	StagingBackends []string `json:"staging_backends"`
}

// Server bundles every control-plane component behind one chi.Router.
type Server struct {
	Nodes      *registry.Registry
	Workflows  *workflowregistry.Registry
	States     *statemachine.Machine
	Boot       *bootdispatcher.Dispatcher
	Clones     *clonesession.Manager
	Partitions *partitionqueue.Queue
	Sink       *sink.Sink
	Journal    *journal.Journal
	Info       SystemInfo
	DHCPStatus func() map[string]any

	logger *log.Logger
}

// New creates a Server. Every field above must be populated by the
// caller (cmd/server) before calling Router.
func New(logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "api: ", log.LstdFlags)
	}
	return &Server{logger: logger}
}

// Router assembles the full chi.Router for the versioned API behind the
// standard middleware stack (request id, real ip, logger, recoverer,
// timeout).
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "pureboot-controller"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		s.mountNodes(r)
		s.mountBoot(r)
		s.mountWorkflows(r)
		s.mountCloneSessions(r)
		s.mountPartitions(r)
		s.mountSystem(r)
	})

	return r
}
