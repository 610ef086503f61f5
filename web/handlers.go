// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package web

import (
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"

	"storj.io/dupligone/catalog"
	"storj.io/dupligone/pipeline"
)

// sessionView is the session as returned by the API. The bearer token
// and the convenience URLs appear only in the creation response.
type sessionView struct {
	SessionID          string            `json:"session_id"`
	Token              string            `json:"token,omitempty"`
	UploadURL          string            `json:"upload_url,omitempty"`
	ResultsURL         string            `json:"results_url,omitempty"`
	Status             catalog.Status    `json:"status"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	TotalImages        int               `json:"total_images"`
	ProcessedImages    int               `json:"processed_images"`
	ClustersFound      int               `json:"clusters_found"`
	FlaggedForDeletion int               `json:"images_flagged_for_deletion"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

func viewOf(session *catalog.Session, withToken bool) sessionView {
	view := sessionView{
		SessionID:          session.ID,
		Status:             session.Status,
		CreatedAt:          session.CreatedAt,
		UpdatedAt:          session.UpdatedAt,
		TotalImages:        session.TotalImages,
		ProcessedImages:    session.ProcessedImages,
		ClustersFound:      session.ClustersFound,
		FlaggedForDeletion: session.FlaggedForDeletion,
		Metadata:           session.Metadata,
	}
	if withToken {
		view.Token = session.Token
	}
	return view
}

func (server *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	session, err := server.pipeline.CreateSession(ctx)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	view := viewOf(session, true)
	view.UploadURL = "/api/v1/sessions/" + session.ID + "/upload"
	view.ResultsURL = "/api/v1/sessions/" + session.ID + "/results"
	server.jsonResponse(w, http.StatusCreated, view)
}

func (server *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	session, err := server.catalog.GetSession(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, viewOf(session, false))
}

// parseFiles extracts the uploaded files of a multipart request. The
// form field name is "files".
func parseFiles(r *http.Request) ([]pipeline.File, error) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return nil, pipeline.ErrValidation.New("invalid multipart body: %v", err)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	files := make([]pipeline.File, 0, len(headers))
	for _, header := range headers {
		part, err := header.Open()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		data, err := ioutil.ReadAll(part)
		if err != nil {
			return nil, Error.Wrap(errs.Combine(err, part.Close()))
		}
		if err := part.Close(); err != nil {
			return nil, Error.Wrap(err)
		}

		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		files = append(files, pipeline.File{
			Name:        header.Filename,
			ContentType: contentType,
			Data:        data,
		})
	}
	return files, nil
}

func (server *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	files, err := parseFiles(r)
	if err != nil {
		server.errorResponse(w, err)
		return
	}

	result, err := server.pipeline.Upload(ctx, mux.Vars(r)["id"], files)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusAccepted, result)
}

func (server *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	results, err := server.pipeline.Results(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, results)
}

func (server *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	sessionID := mux.Vars(r)["id"]
	if _, err = server.catalog.GetSession(ctx, sessionID); err != nil {
		server.errorResponse(w, err)
		return
	}
	images, err := server.catalog.ListImages(ctx, sessionID)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"images":     images,
	})
}

func (server *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	sessionID := mux.Vars(r)["id"]
	if _, err = server.catalog.GetSession(ctx, sessionID); err != nil {
		server.errorResponse(w, err)
		return
	}
	clusters, err := server.catalog.ListClusters(ctx, sessionID)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"clusters":   clusters,
	})
}

func (server *Server) handleFlagImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	flag, err := parseFlag(r)
	if err != nil {
		server.errorResponse(w, err)
		return
	}

	image, err := server.pipeline.FlagImage(ctx, mux.Vars(r)["id"], flag)
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, image)
}

// parseFlag reads the deletion override from the delete_recommended
// query parameter, falling back to a JSON body of the same name.
func parseFlag(r *http.Request) (bool, error) {
	if raw := r.URL.Query().Get("delete_recommended"); raw != "" {
		flag, err := strconv.ParseBool(raw)
		if err != nil {
			return false, pipeline.ErrValidation.New("delete_recommended: %v", err)
		}
		return flag, nil
	}

	var request struct {
		DeleteRecommended *bool `json:"delete_recommended"`
	}
	if err := decodeJSON(r, &request); err != nil {
		return false, err
	}
	if request.DeleteRecommended == nil {
		return false, pipeline.ErrValidation.New("delete_recommended is required")
	}
	return *request.DeleteRecommended, nil
}

func (server *Server) handleConfirmDeletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	receipt, err := server.pipeline.ConfirmDeletions(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, receipt)
}

func (server *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	if err = server.pipeline.DeleteSession(ctx, mux.Vars(r)["id"]); err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, map[string]string{
		"session_id": mux.Vars(r)["id"],
		"status":     "deleted",
	})
}

func (server *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	status, err := server.status.Get(ctx, mux.Vars(r)["id"])
	if err != nil {
		server.errorResponse(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, status)
}
