package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/kbmcp/internal/kb"
	"github.com/Aman-CERP/kbmcp/internal/reindex"
	"github.com/Aman-CERP/kbmcp/internal/search"
	"github.com/Aman-CERP/kbmcp/internal/service"
	"github.com/Aman-CERP/kbmcp/internal/supervisor"
)

type apiFixture struct {
	svc    *service.Service
	server *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	svc, err := service.Open(context.Background(), service.Options{Root: t.TempDir(), ForceStatic: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	server := httptest.NewServer(NewRouter(svc))
	t.Cleanup(server.Close)
	return &apiFixture{svc: svc, server: server}
}

// doJSON runs one request and decodes the response body into out when
// out is non-nil. It returns the status code.
func (f *apiFixture) doJSON(t *testing.T, method, path string, body, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *apiFixture) createKB(t *testing.T, name string) kb.KnowledgeBase {
	t.Helper()
	var base kb.KnowledgeBase
	status := f.doJSON(t, http.MethodPost, "/api/kbs", map[string]string{"name": name}, &base)
	require.Equal(t, http.StatusCreated, status)
	return base
}

func (f *apiFixture) upload(t *testing.T, kbID, filename, content string) kb.Document {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/api/kbs/%s/documents", f.server.URL, kbID), &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var doc kb.Document
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	return doc
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	var body map[string]string
	status := f.doJSON(t, http.MethodGet, "/api/health", nil, &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["version"])
}

func TestKBLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	base := f.createKB(t, "manuals")
	assert.NotEmpty(t, base.ID)
	assert.Equal(t, kb.DefaultConfig(), base.Config)

	// Duplicate names are rejected.
	var envelope errorEnvelope
	status := f.doJSON(t, http.MethodPost, "/api/kbs", map[string]string{"name": "manuals"}, &envelope)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", string(envelope.Error.Kind))

	var list []kb.KnowledgeBase
	status = f.doJSON(t, http.MethodGet, "/api/kbs", nil, &list)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, list, 1)

	var renamed kb.KnowledgeBase
	status = f.doJSON(t, http.MethodPatch, "/api/kbs/"+base.ID,
		map[string]string{"name": "handbooks", "description": "all handbooks"}, &renamed)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "handbooks", renamed.Name)

	status = f.doJSON(t, http.MethodDelete, "/api/kbs/"+base.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status = f.doJSON(t, http.MethodGet, "/api/kbs/"+base.ID, nil, &envelope)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUploadListQueryDelete(t *testing.T) {
	f := newAPIFixture(t)
	base := f.createKB(t, "manuals")

	doc := f.upload(t, base.ID, "dryer.txt", "Clean the lint trap after every load.")
	assert.Equal(t, kb.StatusReady, doc.Status)
	assert.Greater(t, doc.ChunkCount, 0)

	var docs []kb.Document
	status := f.doJSON(t, http.MethodGet, fmt.Sprintf("/api/kbs/%s/documents", base.ID), nil, &docs)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, docs, 1)

	var resp search.Response
	status = f.doJSON(t, http.MethodPost, fmt.Sprintf("/api/kbs/%s/query", base.ID),
		map[string]any{"query": "lint trap", "limit": 5}, &resp)
	assert.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "dryer.txt", resp.Results[0].Filename)

	// The query-string form returns the same results.
	var getResp search.Response
	status = f.doJSON(t, http.MethodGet,
		fmt.Sprintf("/api/kbs/%s/search?q=lint+trap&limit=5", base.ID), nil, &getResp)
	assert.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, getResp.Results)

	var stats kb.Stats
	status = f.doJSON(t, http.MethodGet, fmt.Sprintf("/api/kbs/%s/stats", base.ID), nil, &stats)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, stats.FileCount)

	status = f.doJSON(t, http.MethodDelete,
		fmt.Sprintf("/api/kbs/%s/documents/%s", base.ID, doc.ID), nil, nil)
	assert.Equal(t, http.StatusNoContent, status)

	var envelope errorEnvelope
	status = f.doJSON(t, http.MethodDelete,
		fmt.Sprintf("/api/kbs/%s/documents/%s", base.ID, doc.ID), nil, &envelope)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", string(envelope.Error.Kind))
}

func TestQueryValidation(t *testing.T) {
	f := newAPIFixture(t)
	base := f.createKB(t, "manuals")

	var envelope errorEnvelope
	status := f.doJSON(t, http.MethodPost, fmt.Sprintf("/api/kbs/%s/query", base.ID),
		map[string]string{"query": ""}, &envelope)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_input", string(envelope.Error.Kind))

	status = f.doJSON(t, http.MethodPost, "/api/kbs/nope/query",
		map[string]string{"query": "anything"}, &envelope)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestConfigUpdateAndReindex(t *testing.T) {
	f := newAPIFixture(t)
	base := f.createKB(t, "manuals")
	f.upload(t, base.ID, "guide.txt", "Long-form maintenance guide text for the appliance.")

	// A retrieval-only change does not require a reindex.
	cfg := base.Config
	cfg.VectorWeight = 0.9
	var updated updateConfigResponse
	status := f.doJSON(t, http.MethodPut, fmt.Sprintf("/api/kbs/%s/config", base.ID), cfg, &updated)
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, updated.RequiresReindex)

	cfg.ChunkSize = 64
	status = f.doJSON(t, http.MethodPut, fmt.Sprintf("/api/kbs/%s/config", base.ID), cfg, &updated)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, updated.RequiresReindex)

	status = f.doJSON(t, http.MethodPost, fmt.Sprintf("/api/kbs/%s/reindex", base.ID), nil, nil)
	assert.Equal(t, http.StatusAccepted, status)
	f.svc.Reindexer.Wait(base.ID)

	deadline := time.Now().Add(5 * time.Second)
	for {
		var snap reindex.Snapshot
		status = f.doJSON(t, http.MethodGet, fmt.Sprintf("/api/kbs/%s/reindex/progress", base.ID), nil, &snap)
		require.Equal(t, http.StatusOK, status)
		if snap.Status == reindex.StatusCompleted {
			break
		}
		require.True(t, time.Now().Before(deadline), "reindex did not complete")
		time.Sleep(20 * time.Millisecond)
	}
}

func TestToolServerEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	base := f.createKB(t, "manuals")

	// Creating the KB provisioned a default, disabled tool server.
	var servers []supervisor.ServerRecord
	status := f.doJSON(t, http.MethodGet, "/api/tool-servers", nil, &servers)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, servers, 1)
	assert.Equal(t, []string{base.ID}, servers[0].KBIDs)

	var created supervisor.ServerRecord
	status = f.doJSON(t, http.MethodPost, "/api/tool-servers", map[string]any{
		"name":   "everything",
		"kb_ids": []string{base.ID},
		"overrides": map[string]any{
			"search_tool_description": "Search the appliance manuals.",
		},
	}, &created)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "Search the appliance manuals.", created.Overrides.SearchToolDescription)
	assert.GreaterOrEqual(t, created.Port, 8100)

	// A requested port outside the range is rejected.
	var envelope errorEnvelope
	status = f.doJSON(t, http.MethodPost, "/api/tool-servers", map[string]any{
		"name":   "pinned",
		"kb_ids": []string{base.ID},
		"port":   9999,
	}, &envelope)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_input", string(envelope.Error.Kind))

	var fetched supervisor.ServerRecord
	status = f.doJSON(t, http.MethodGet, "/api/tool-servers/"+created.ID, nil, &fetched)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, created.ID, fetched.ID)

	var patched supervisor.ServerRecord
	status = f.doJSON(t, http.MethodPatch, "/api/tool-servers/"+created.ID,
		map[string]string{"name": "all manuals"}, &patched)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "all manuals", patched.Name)

	status = f.doJSON(t, http.MethodDelete, "/api/tool-servers/"+created.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status = f.doJSON(t, http.MethodGet, "/api/tool-servers/"+created.ID, nil, &envelope)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUploadRejectsNonMultipart(t *testing.T) {
	f := newAPIFixture(t)
	base := f.createKB(t, "manuals")

	var envelope errorEnvelope
	status := f.doJSON(t, http.MethodPost, fmt.Sprintf("/api/kbs/%s/documents", base.ID),
		map[string]string{"not": "a file"}, &envelope)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_input", string(envelope.Error.Kind))
}
