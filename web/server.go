// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package web implements the REST API. Two surfaces share one router:
// the session API under /api/v1 addressed by session id, and the
// legacy token surface (/upload, /getResult, /delete) addressed by
// the session bearer token.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"

	"storj.io/dupligone/blobstore"
	"storj.io/dupligone/catalog"
	"storj.io/dupligone/jobq"
	"storj.io/dupligone/pipeline"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the web package.
	Error = errs.Class("web")
)

// multipart bodies are spooled to disk above this
const maxUploadMemory = 32 << 20

// Config is the configuration for the API server.
type Config struct {
	Address string `help:"address the api server listens on" default:":8080"`
}

// Server handles the HTTP API.
type Server struct {
	log      *zap.Logger
	pipeline *pipeline.Pipeline
	catalog  catalog.Catalog
	status   jobq.StatusStore

	listener net.Listener
	server   http.Server
}

// NewServer creates an API server serving on the given listener.
func NewServer(log *zap.Logger, pipe *pipeline.Pipeline, cat catalog.Catalog, status jobq.StatusStore, listener net.Listener) *Server {
	server := &Server{
		log:      log,
		pipeline: pipe,
		catalog:  cat,
		status:   status,
		listener: listener,
	}

	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions", server.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", server.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", server.handleDeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/upload", server.handleUpload).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/results", server.handleResults).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/images", server.handleListImages).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/clusters", server.handleListClusters).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/confirm-deletions", server.handleConfirmDeletions).Methods(http.MethodPost)
	api.HandleFunc("/images/{id}/flag", server.handleFlagImage).Methods(http.MethodPatch)
	api.HandleFunc("/jobs/{id}/status", server.handleJobStatus).Methods(http.MethodGet)
	api.HandleFunc("/health", server.handleHealth).Methods(http.MethodGet)

	router.HandleFunc("/upload", server.handleTokenUpload).Methods(http.MethodPost)
	router.HandleFunc("/getResult", server.handleTokenResult).Methods(http.MethodGet)
	router.HandleFunc("/delete", server.handleTokenDelete).Methods(http.MethodPost)

	server.server = http.Server{Handler: router}
	return server
}

// Run serves requests until the context is canceled.
func (server *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errs2.IsCanceled(err) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close shuts the server down.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

// Handler exposes the router, mainly for tests.
func (server *Server) Handler() http.Handler {
	return server.server.Handler
}

// Addr returns the bound listen address.
func (server *Server) Addr() string {
	return server.listener.Addr().String()
}

func (server *Server) jsonResponse(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		server.errorResponse(w, Error.Wrap(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

// errorResponse maps internal error classes to HTTP statuses. Internal
// details are logged, never sent to clients.
func (server *Server) errorResponse(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Code: "internal_error", Message: "internal error"}

	switch {
	case pipeline.ErrValidation.Has(err):
		status = http.StatusBadRequest
		body = errorBody{Code: "bad_request", Message: err.Error()}
	case catalog.ErrNotFound.Has(err) || blobstore.ErrNotFound.Has(err) || jobq.ErrJobNotFound.Has(err):
		status = http.StatusNotFound
		body = errorBody{Code: "not_found", Message: "resource not found"}
	case catalog.ErrInvalidTransition.Has(err):
		status = http.StatusConflict
		body = errorBody{Code: "conflict", Message: err.Error()}
	case errors.Is(err, errUnauthorized):
		status = http.StatusUnauthorized
		body = errorBody{Code: "unauthorized", Message: "invalid or missing token"}
	}

	if status == http.StatusInternalServerError {
		server.log.Error("request failed", zap.Error(err))
	} else {
		server.log.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: body})
}

// handleHealth probes the catalog and the job status backend.
func (server *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	catalogUp := server.catalog.Ping(ctx) == nil
	queueUp := server.status.Ping(ctx) == nil

	status := http.StatusOK
	overall := "healthy"
	if !catalogUp || !queueUp {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	server.jsonResponse(w, status, map[string]interface{}{
		"status": overall,
		"services": map[string]bool{
			"catalog": catalogUp,
			"queue":   queueUp,
		},
	})
}
