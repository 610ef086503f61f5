// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"storj.io/dupligone/catalog"
	"storj.io/dupligone/pipeline"
)

// errUnauthorized marks requests with a missing or unknown bearer
// token.
var errUnauthorized = Error.New("unauthorized")

func decodeJSON(r *http.Request, into interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return pipeline.ErrValidation.New("invalid request body: %v", err)
	}
	return nil
}

// sessionFromToken resolves the Authorization bearer token to a
// session. Unknown tokens map to unauthorized, not to not found, so
// the endpoint does not leak which tokens exist.
func (server *Server) sessionFromToken(r *http.Request) (*catalog.Session, error) {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == "" || token == header {
		return nil, errUnauthorized
	}

	session, err := server.catalog.GetSessionByToken(r.Context(), token)
	if err != nil {
		if catalog.ErrNotFound.Has(err) {
			return nil, errUnauthorized
		}
		return nil, err
	}
	return session, nil
}

// handleTokenUpload creates a session and uploads the request files
// into it in one step. The response carries the bearer token for the
// follow-up calls.
func (server *Server) handleTokenUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	files, err := parseFiles(r)
	if err != nil {
		server.errorResponse(w, err)
		return
	}

	session, err := server.pipeline.CreateSession(ctx)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	result, err := server.pipeline.Upload(ctx, session.ID, files)
	if err != nil {
		server.errorResponse(w, err)
		return
	}

	server.jsonResponse(w, http.StatusAccepted, map[string]interface{}{
		"token":          session.Token,
		"session_id":     session.ID,
		"job_id":         result.JobID,
		"uploaded_files": result.Uploaded,
	})
}

func (server *Server) handleTokenResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	session, err := server.sessionFromToken(r)
	if err != nil {
		server.errorResponse(w, err)
		return
	}

	results, err := server.pipeline.Results(ctx, session.ID)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, results)
}

// handleTokenDelete deletes the named images of the token's session.
func (server *Server) handleTokenDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	session, err := server.sessionFromToken(r)
	if err != nil {
		server.errorResponse(w, err)
		return
	}

	var request struct {
		ImageIDs []string `json:"image_ids"`
	}
	if err = decodeJSON(r, &request); err != nil {
		server.errorResponse(w, err)
		return
	}
	if len(request.ImageIDs) == 0 {
		server.errorResponse(w, pipeline.ErrValidation.New("image_ids is required"))
		return
	}

	receipt, err := server.pipeline.DeleteImages(ctx, session.ID, request.ImageIDs)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, receipt)
}
