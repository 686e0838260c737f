package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/kb"
	"github.com/Aman-CERP/kbmcp/internal/search"
	"github.com/Aman-CERP/kbmcp/internal/supervisor"
)

// Backend is the tool server's client for the parent HTTP API. Tool
// servers never open the data root themselves: the metadata store is
// single-writer, and the backend already holds it.
type Backend struct {
	base   string
	client *http.Client
}

// NewBackend creates a client for the backend at addr (host:port).
func NewBackend(addr string) *Backend {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Backend{
		base:   strings.TrimRight(addr, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type errorEnvelope struct {
	Error struct {
		Kind    kberr.Kind        `json:"kind"`
		Message string            `json:"message"`
		Details map[string]string `json:"details,omitempty"`
	} `json:"error"`
}

// do runs one request and decodes the response into out. Backend error
// envelopes come back as structured errors with their original kind.
func (b *Backend) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return kberr.Wrap(kberr.KindInternal, "encode request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.base+path, reader)
	if err != nil {
		return kberr.Wrap(kberr.KindInternal, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return kberr.Wrap(kberr.KindInternal, "backend unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope errorEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error.Kind != "" {
			e := kberr.New(envelope.Error.Kind, envelope.Error.Message)
			for k, v := range envelope.Error.Details {
				e = e.WithDetail(k, v)
			}
			return e
		}
		return kberr.Newf(kberr.KindInternal, "backend returned %d for %s %s", resp.StatusCode, method, path)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return kberr.Wrap(kberr.KindInternal, "decode response", err)
	}
	return nil
}

// ToolServer fetches this server's own record: its knowledge base
// assignments and description overrides.
func (b *Backend) ToolServer(ctx context.Context, id string) (supervisor.ServerRecord, error) {
	var record supervisor.ServerRecord
	err := b.do(ctx, http.MethodGet, "/api/tool-servers/"+id, nil, &record)
	return record, err
}

// KnowledgeBase fetches one knowledge base.
func (b *Backend) KnowledgeBase(ctx context.Context, kbID string) (kb.KnowledgeBase, error) {
	var base kb.KnowledgeBase
	err := b.do(ctx, http.MethodGet, "/api/kbs/"+kbID, nil, &base)
	return base, err
}

// Stats fetches a knowledge base's document statistics.
func (b *Backend) Stats(ctx context.Context, kbID string) (kb.Stats, error) {
	var stats kb.Stats
	err := b.do(ctx, http.MethodGet, "/api/kbs/"+kbID+"/stats", nil, &stats)
	return stats, err
}

// Documents lists a knowledge base's documents.
func (b *Backend) Documents(ctx context.Context, kbID string) ([]kb.Document, error) {
	var docs []kb.Document
	err := b.do(ctx, http.MethodGet, "/api/kbs/"+kbID+"/documents", nil, &docs)
	return docs, err
}

type queryRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// Query runs a search against one knowledge base.
func (b *Backend) Query(ctx context.Context, kbID, query string, limit int) (search.Response, error) {
	var resp search.Response
	err := b.do(ctx, http.MethodPost, fmt.Sprintf("/api/kbs/%s/query", kbID), queryRequest{Query: query, Limit: limit}, &resp)
	return resp, err
}
