// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cellpipe/services/analysis/cache"
	"github.com/AleutianAI/cellpipe/services/analysis/dispatcher"
	"github.com/AleutianAI/cellpipe/services/analysis/execution"
	"github.com/AleutianAI/cellpipe/services/analysis/resolver"
	"github.com/AleutianAI/cellpipe/services/analysis/session"
	"github.com/AleutianAI/cellpipe/services/analysis/stages"
)

const fixtureMatrix = `%%MatrixMarket matrix coordinate integer general
4 4 16
1 1 5
1 2 1
1 3 8
1 4 2
2 1 2
2 2 9
2 3 1
2 4 4
3 1 7
3 2 2
3 3 3
3 4 6
4 1 1
4 2 1
4 3 2
4 4 1
`

const completeArgs = `{"overrides":{"qc":{"min_genes":1,"min_cells":1,"max_mito_pct":100}}}`

func writeDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "matrix.mtx"), []byte(fixtureMatrix), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "genes.tsv"),
		[]byte("E1\tCD3D\nE2\tMS4A1\nE3\tLYZ\nE4\tMT-CO1\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "barcodes.tsv"),
		[]byte("C1-1\nC2-1\nC3-1\nC4-1\n"), 0644))
	return dir
}

func newTestServer(t *testing.T, scoped bool) (*Server, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	graph, err := stages.NewGraph()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	artifactCache := cache.New(nil, cache.Options{}, logger)
	t.Cleanup(artifactCache.Close)

	r, err := resolver.New(resolver.Config{
		Graph:          graph,
		Cache:          artifactCache,
		Charts:         stages.SVGRenderer{},
		ArtifactsDir:   t.TempDir(),
		DefaultDataset: writeDataset(t),
		Logger:         logger,
	})
	require.NoError(t, err)

	d, err := dispatcher.New(dispatcher.Config{
		Resolver: r,
		Manager:  execution.NewManager(),
		Graph:    graph,
		Logger:   logger,
	})
	require.NoError(t, err)

	srv := New(d, session.NewManager(0), artifactCache, scoped, logger)
	return srv, srv.Router()
}

func do(router *gin.Engine, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, router := newTestServer(t, false)
	rec := do(router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListTools(t *testing.T) {
	_, router := newTestServer(t, false)
	rec := do(router, http.MethodGet, "/v1/analysis/tools", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tools []dispatcher.ToolInfo `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Tools, 8)

	byName := map[string]dispatcher.ToolInfo{}
	for _, info := range body.Tools {
		byName[info.Name] = info
	}
	assert.Contains(t, byName, "complete_pipeline")
	assert.Equal(t, "embed", byName["reduce_dimensions"].Stage)
	assert.Contains(t, byName["reduce_dimensions"].Produces, "emb:umap")
	assert.Contains(t, string(byName["cluster"].Defaults), `"resolution":0.5`)
}

func TestInvokeSharedContext(t *testing.T) {
	_, router := newTestServer(t, false)

	rec := do(router, http.MethodPost, "/v1/analysis/tools/complete_pipeline", completeArgs, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res dispatcher.ToolResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, session.DefaultID, res.ContextID)
	assert.Len(t, res.Stages, 8)

	// The state endpoint sees the same context.
	rec = do(router, http.MethodGet, "/v1/analysis/state", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cluster"`)
}

func TestInvokeErrorStatusMapping(t *testing.T) {
	_, router := newTestServer(t, false)

	rec := do(router, http.MethodPost, "/v1/analysis/tools/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(router, http.MethodPost, "/v1/analysis/tools/cluster", `{"algorithm":"kmeans"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Default QC thresholds empty the tiny fixture: a stage failure.
	rec = do(router, http.MethodPost, "/v1/analysis/tools/marker_genes", "", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var res dispatcher.ToolResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, dispatcher.CodeStageFailure, res.Code)
	assert.Equal(t, "qc", res.FailedStage)
}

func TestReset(t *testing.T) {
	_, router := newTestServer(t, false)

	rec := do(router, http.MethodPost, "/v1/analysis/tools/load_data", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(router, http.MethodPost, "/v1/analysis/reset", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(router, http.MethodGet, "/v1/analysis/state", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":null`)
}

func TestScopedSessions(t *testing.T) {
	_, router := newTestServer(t, true)

	rec := do(router, http.MethodPost, "/v1/sessions", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var sess session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	require.NotEmpty(t, sess.ID)

	header := map[string]string{SessionHeader: sess.ID}
	rec = do(router, http.MethodPost, "/v1/analysis/tools/load_data", "", header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res dispatcher.ToolResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, sess.ID, res.ContextID)

	// Another session does not see the first session's state.
	rec = do(router, http.MethodPost, "/v1/sessions", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var other session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &other))

	rec = do(router, http.MethodGet, "/v1/analysis/state", "", map[string]string{SessionHeader: other.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":null`)
}

func TestUnknownSessionRejected(t *testing.T) {
	_, router := newTestServer(t, true)

	rec := do(router, http.MethodPost, "/v1/analysis/tools/load_data", "",
		map[string]string{SessionHeader: "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteSessionTearsDownContext(t *testing.T) {
	srv, router := newTestServer(t, true)

	rec := do(router, http.MethodPost, "/v1/sessions", "", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var sess session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))

	header := map[string]string{SessionHeader: sess.ID}
	rec = do(router, http.MethodPost, "/v1/analysis/tools/load_data", "", header)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(router, http.MethodDelete, "/v1/sessions/"+sess.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok := srv.dispatcher.Snapshot(sess.ID)
	assert.False(t, ok)

	rec = do(router, http.MethodDelete, "/v1/sessions/"+sess.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSessionDisabledWhenUnscoped(t *testing.T) {
	_, router := newTestServer(t, false)
	rec := do(router, http.MethodPost, "/v1/sessions", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, router := newTestServer(t, false)
	rec := do(router, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCacheStats(t *testing.T) {
	_, router := newTestServer(t, false)

	rec := do(router, http.MethodPost, "/v1/analysis/tools/load_data", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(router, http.MethodGet, "/v1/analysis/cache/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"memory"`)
}

func TestContextRoutes(t *testing.T) {
	_, router := newTestServer(t, false)

	rec := do(router, http.MethodPost, "/v1/analysis/tools/load_data", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(router, http.MethodGet, "/v1/analysis/contexts/"+session.DefaultID+"/state", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"applied"`)

	rec = do(router, http.MethodDelete, "/v1/analysis/contexts/"+session.DefaultID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(router, http.MethodGet, "/v1/analysis/contexts/"+session.DefaultID+"/state", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(router, http.MethodGet, "/v1/analysis/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
