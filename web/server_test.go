// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package web_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/memory"
	"storj.io/common/testcontext"

	"storj.io/dupligone/blobstore/diskstore"
	"storj.io/dupligone/catalog/testcatalog"
	"storj.io/dupligone/jobq"
	"storj.io/dupligone/jobq/testqueue"
	"storj.io/dupligone/pipeline"
	"storj.io/dupligone/web"
)

type env struct {
	catalog *testcatalog.Catalog
	queue   *testqueue.Queue
	pipe    *pipeline.Pipeline
	http    *httptest.Server
}

func newEnv(t *testing.T, ctx *testcontext.Context) *env {
	blobs, err := diskstore.New(ctx.Dir("blobs"))
	require.NoError(t, err)
	cat := testcatalog.New()
	queue := testqueue.New()

	pipe := pipeline.New(zaptest.NewLogger(t), cat, blobs, queue, queue, pipeline.Config{
		MaxUploadSize:     memory.MiB,
		MaxUploadFiles:    10,
		AllowedExtensions: "png",
		Concurrency:       2,
		StorageRetries:    1,
	})

	server := web.NewServer(zaptest.NewLogger(t), pipe, cat, queue, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &env{catalog: cat, queue: queue, pipe: pipe, http: ts}
}

func testPNG(t *testing.T) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			v := uint8(x * 4)
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartBody(t *testing.T, names []string, data []byte) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, name := range names {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, name))
		header.Set("Content-Type", "image/png")
		part, err := writer.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func decodeBody(t *testing.T, resp *http.Response, into interface{}) {
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func (e *env) processQueuedJob(t *testing.T, ctx *testcontext.Context) {
	job, err := e.queue.Dequeue(ctx)
	require.NoError(t, err)
	_, err = e.pipe.RunJob(ctx, job)
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	resp, err := http.Get(e.http.URL + "/api/v1/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status   string `json:"status"`
		Services struct {
			Catalog bool `json:"catalog"`
			Queue   bool `json:"queue"`
		} `json:"services"`
	}
	decodeBody(t, resp, &health)
	require.Equal(t, "healthy", health.Status)
	require.True(t, health.Services.Catalog)
	require.True(t, health.Services.Queue)

	e.catalog.PingErr = fmt.Errorf("connection refused")
	resp, err = http.Get(e.http.URL + "/api/v1/health")
	require.NoError(t, err)
	decodeBody(t, resp, &health)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "unhealthy", health.Status)
	require.False(t, health.Services.Catalog)
	require.True(t, health.Services.Queue)
}

func TestSessionSurface(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	resp, err := http.Post(e.http.URL+"/api/v1/sessions", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		SessionID  string `json:"session_id"`
		Token      string `json:"token"`
		Status     string `json:"status"`
		UploadURL  string `json:"upload_url"`
		ResultsURL string `json:"results_url"`
	}
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.SessionID)
	require.NotEmpty(t, created.Token)
	require.Equal(t, "uploading", created.Status)
	require.Equal(t, "/api/v1/sessions/"+created.SessionID+"/upload", created.UploadURL)
	require.Equal(t, "/api/v1/sessions/"+created.SessionID+"/results", created.ResultsURL)

	// the token never leaks outside the creation response
	resp, err = http.Get(e.http.URL + "/api/v1/sessions/" + created.SessionID)
	require.NoError(t, err)
	var fetched struct {
		Token string `json:"token"`
	}
	decodeBody(t, resp, &fetched)
	require.Empty(t, fetched.Token)

	body, contentType := multipartBody(t, []string{"one.png", "two.png"}, testPNG(t))
	resp, err = http.Post(e.http.URL+"/api/v1/sessions/"+created.SessionID+"/upload", contentType, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var upload struct {
		JobID    string `json:"job_id"`
		Status   string `json:"status"`
		Total    int    `json:"total_files"`
		Uploaded []struct {
			ImageID string `json:"image_id"`
		} `json:"uploaded_files"`
	}
	decodeBody(t, resp, &upload)
	require.Len(t, upload.Uploaded, 2)
	require.Equal(t, 2, upload.Total)
	require.Equal(t, "uploaded", upload.Status)

	e.processQueuedJob(t, ctx)

	resp, err = http.Get(e.http.URL + "/api/v1/jobs/" + upload.JobID + "/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status jobq.Status
	decodeBody(t, resp, &status)
	require.Equal(t, jobq.StateSuccess, status.State)

	resp, err = http.Get(e.http.URL + "/api/v1/sessions/" + created.SessionID + "/results")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var results struct {
		Status   string `json:"status"`
		Clusters []struct {
			ClusterID      string `json:"cluster_id"`
			ImagesToDelete []struct {
				ImageID string `json:"image_id"`
			} `json:"images_to_delete"`
		} `json:"clusters"`
	}
	decodeBody(t, resp, &results)
	require.Equal(t, "completed", results.Status)
	require.Len(t, results.Clusters, 1)
	require.Len(t, results.Clusters[0].ImagesToDelete, 1)

	// the user overrides the recommendation via the query parameter
	loser := results.Clusters[0].ImagesToDelete[0].ImageID
	req, err := http.NewRequest(http.MethodPatch, e.http.URL+"/api/v1/images/"+loser+"/flag?delete_recommended=false", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Post(e.http.URL+"/api/v1/sessions/"+created.SessionID+"/confirm-deletions", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var receipt struct {
		DeletedCount int `json:"deleted_count"`
	}
	decodeBody(t, resp, &receipt)
	require.Zero(t, receipt.DeletedCount)

	req, err = http.NewRequest(http.MethodDelete, e.http.URL+"/api/v1/sessions/"+created.SessionID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get(e.http.URL + "/api/v1/sessions/" + created.SessionID)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestUploadRejectsNonImages(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	resp, err := http.Post(e.http.URL+"/api/v1/sessions", "application/json", nil)
	require.NoError(t, err)
	var created struct {
		SessionID string `json:"session_id"`
	}
	decodeBody(t, resp, &created)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="files"; filename="notes.txt"`)
	header.Set("Content-Type", "text/plain")
	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	resp, err = http.Post(e.http.URL+"/api/v1/sessions/"+created.SessionID+"/upload", writer.FormDataContentType(), body)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var failure struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, resp, &failure)
	require.Equal(t, "bad_request", failure.Error.Code)
}

func TestTokenSurface(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	data := testPNG(t)
	body, contentType := multipartBody(t, []string{"one.png", "two.png"}, data)
	resp, err := http.Post(e.http.URL+"/upload", contentType, body)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var upload struct {
		Token     string `json:"token"`
		SessionID string `json:"session_id"`
		JobID     string `json:"job_id"`
	}
	decodeBody(t, resp, &upload)
	require.NotEmpty(t, upload.Token)
	require.NotEmpty(t, upload.JobID)

	e.processQueuedJob(t, ctx)

	req, err := http.NewRequest(http.MethodGet, e.http.URL+"/getResult", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+upload.Token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var results struct {
		Status   string `json:"status"`
		Clusters []struct {
			ImagesToDelete []struct {
				ImageID string `json:"image_id"`
			} `json:"images_to_delete"`
		} `json:"clusters"`
	}
	decodeBody(t, resp, &results)
	require.Equal(t, "completed", results.Status)
	require.Len(t, results.Clusters, 1)

	// a wrong token is rejected without leaking details
	req, err = http.NewRequest(http.MethodGet, e.http.URL+"/getResult", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer nope")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	// explicit deletion through the legacy surface
	loser := results.Clusters[0].ImagesToDelete[0].ImageID
	payload, _ := json.Marshal(map[string][]string{"image_ids": {loser}})
	req, err = http.NewRequest(http.MethodPost, e.http.URL+"/delete", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+upload.Token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var receipt struct {
		DeletedCount int   `json:"deleted_count"`
		SpaceFreed   int64 `json:"space_freed_bytes"`
	}
	decodeBody(t, resp, &receipt)
	require.Equal(t, 1, receipt.DeletedCount)
	require.Equal(t, int64(len(data)), receipt.SpaceFreed)
}

func TestFlagAcceptsJSONBody(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	e := newEnv(t, ctx)

	resp, err := http.Post(e.http.URL+"/api/v1/sessions", "application/json", nil)
	require.NoError(t, err)
	var created struct {
		SessionID string `json:"session_id"`
	}
	decodeBody(t, resp, &created)

	body, contentType := multipartBody(t, []string{"one.png"}, testPNG(t))
	resp, err = http.Post(e.http.URL+"/api/v1/sessions/"+created.SessionID+"/upload", contentType, body)
	require.NoError(t, err)
	var upload struct {
		Uploaded []struct {
			ImageID string `json:"image_id"`
		} `json:"uploaded_files"`
	}
	decodeBody(t, resp, &upload)
	require.Len(t, upload.Uploaded, 1)

	imageID := upload.Uploaded[0].ImageID
	flag, _ := json.Marshal(map[string]bool{"delete_recommended": true})
	req, err := http.NewRequest(http.MethodPatch, e.http.URL+"/api/v1/images/"+imageID+"/flag", bytes.NewReader(flag))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// neither the query parameter nor a body is an error
	req, err = http.NewRequest(http.MethodPatch, e.http.URL+"/api/v1/images/"+imageID+"/flag", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}
