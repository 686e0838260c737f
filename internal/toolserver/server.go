// Package toolserver is the child process side of the tool server
// fleet. Each instance exposes MCP tools over streamable HTTP for the
// knowledge bases assigned to it, proxying all data access to the
// parent backend API.
package toolserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/kb"
	"github.com/Aman-CERP/kbmcp/internal/search"
	"github.com/Aman-CERP/kbmcp/internal/supervisor"
	"github.com/Aman-CERP/kbmcp/pkg/version"
)

const (
	defaultSearchDescription = "Search the knowledge base for passages relevant to a question. " +
		"Returns the best-matching document excerpts with relevance scores. " +
		"Use this before answering questions the knowledge base might cover."

	defaultInstructionsPrefix = "This server exposes curated document collections. " +
		"Call search_knowledge_base to retrieve supporting passages before answering."

	shutdownGrace = 5 * time.Second
)

var defaultParamDescriptions = map[string]string{
	"query":             "Natural-language search query.",
	"limit":             "Maximum number of results to return (default 10, max 100).",
	"knowledge_base_id": "Which knowledge base to search, by id or name. Omit to search all of them.",
}

// Server is one running tool server instance.
type Server struct {
	id      string
	port    int
	backend *Backend

	record supervisor.ServerRecord
	kbs    []kb.KnowledgeBase

	mcp *mcp.Server
}

// New fetches the server's record and knowledge bases from the backend
// and assembles the MCP surface.
func New(ctx context.Context, id string, port int, backend *Backend) (*Server, error) {
	record, err := backend.ToolServer(ctx, id)
	if err != nil {
		return nil, err
	}

	kbs := make([]kb.KnowledgeBase, 0, len(record.KBIDs))
	for _, kbID := range record.KBIDs {
		base, err := backend.KnowledgeBase(ctx, kbID)
		if err != nil {
			// A knowledge base deleted out from under the record is not
			// fatal; the server keeps serving the rest.
			slog.Warn("knowledge base unavailable", slog.String("kb_id", kbID), slog.String("error", err.Error()))
			continue
		}
		kbs = append(kbs, base)
	}
	if len(kbs) == 0 {
		return nil, kberr.New(kberr.KindNotFound, "tool server has no reachable knowledge bases").
			WithDetail("server_id", id)
	}

	s := &Server{id: id, port: port, backend: backend, record: record, kbs: kbs}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{Name: "kbmcp", Version: version.Version},
		&mcp.ServerOptions{Instructions: s.instructions()},
	)
	s.registerTools()
	return s, nil
}

// instructions renders the server-level MCP instructions, listing the
// available knowledge bases unless overridden.
func (s *Server) instructions() string {
	if custom := s.record.Overrides.ServerInstructions; custom != "" {
		return custom
	}
	var b strings.Builder
	b.WriteString(defaultInstructionsPrefix)
	b.WriteString("\n\nAvailable knowledge bases:\n")
	for _, base := range s.kbs {
		fmt.Fprintf(&b, "- %s (%s)", base.Name, base.ID)
		if base.Description != "" {
			fmt.Fprintf(&b, ": %s", base.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// SearchInput is the search tool's parameters.
type SearchInput struct {
	Query           string `json:"query" jsonschema:"natural-language search query"`
	Limit           int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty" jsonschema:"knowledge base to search, all of them when omitted"`
}

// SearchResult is one passage returned by the search tool.
type SearchResult struct {
	Content         string  `json:"content" jsonschema:"matched passage text"`
	Filename        string  `json:"filename" jsonschema:"source document filename"`
	FileType        string  `json:"file_type" jsonschema:"source document format"`
	Score           float64 `json:"score" jsonschema:"relevance score between 0 and 1"`
	ChunkIndex      int     `json:"chunk_index" jsonschema:"position of the passage within its document"`
	DocumentID      string  `json:"document_id" jsonschema:"source document id"`
	KnowledgeBaseID string  `json:"knowledge_base_id" jsonschema:"knowledge base the passage came from"`
}

// SearchOutput is the search tool's result.
type SearchOutput struct {
	Results         []SearchResult `json:"results" jsonschema:"matching passages, best first"`
	Total           int            `json:"total" jsonschema:"number of results returned"`
	KnowledgeBaseID string         `json:"knowledge_base_id,omitempty" jsonschema:"knowledge base that was searched, empty when all were"`
}

// KBInfo describes one knowledge base served by this tool server.
type KBInfo struct {
	ID            string `json:"id" jsonschema:"knowledge base id"`
	Name          string `json:"name" jsonschema:"knowledge base name"`
	Description   string `json:"description,omitempty" jsonschema:"knowledge base description"`
	DocumentCount int    `json:"document_count" jsonschema:"number of stored documents"`
	ChunkCount    int    `json:"chunk_count" jsonschema:"number of indexed passages"`
}

// InfoOutput is the get_kb_info tool's result.
type InfoOutput struct {
	KnowledgeBases []KBInfo `json:"knowledge_bases" jsonschema:"knowledge bases served by this tool server"`
}

// ListDocumentsInput selects which knowledge base to list.
type ListDocumentsInput struct {
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty" jsonschema:"knowledge base to list, required when serving several"`
}

// DocumentInfo is one document entry.
type DocumentInfo struct {
	ID         string `json:"id" jsonschema:"document id"`
	Filename   string `json:"filename" jsonschema:"original filename"`
	Status     string `json:"status" jsonschema:"processing status: pending, extracting, embedding, ready, failed"`
	ChunkCount int    `json:"chunk_count" jsonschema:"number of indexed passages"`
	SizeBytes  int64  `json:"size_bytes" jsonschema:"original file size in bytes"`
}

// ListDocumentsOutput is the list_documents tool's result.
type ListDocumentsOutput struct {
	KnowledgeBaseID string         `json:"knowledge_base_id" jsonschema:"knowledge base that was listed"`
	Documents       []DocumentInfo `json:"documents" jsonschema:"documents in the knowledge base"`
}

func (s *Server) registerTools() {
	description := s.record.Overrides.SearchToolDescription
	if description == "" {
		description = defaultSearchDescription
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_knowledge_base",
		Description: description,
		InputSchema: s.searchInputSchema(),
	}, s.handleSearch)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_kb_info",
		Description: "Describe the knowledge bases this server exposes, with document and passage counts.",
	}, s.handleInfo)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_documents",
		Description: "List the documents stored in a knowledge base with their processing status.",
	}, s.handleListDocuments)
}

// searchInputSchema builds the search tool's input schema with any
// per-parameter description overrides applied.
func (s *Server) searchInputSchema() *jsonschema.Schema {
	schema, err := jsonschema.For[SearchInput](nil)
	if err != nil {
		return nil
	}
	for name, prop := range schema.Properties {
		if custom, ok := s.record.Overrides.SearchParamDescriptions[name]; ok {
			prop.Description = custom
		} else if fallback, ok := defaultParamDescriptions[name]; ok {
			prop.Description = fallback
		}
	}
	return schema
}

// searchTargets resolves which knowledge bases a search covers: one
// named by the selector, or every served knowledge base when the
// selector is empty.
func (s *Server) searchTargets(selector string) ([]kb.KnowledgeBase, error) {
	if selector == "" {
		return s.kbs, nil
	}
	base, err := s.resolveKB(selector)
	if err != nil {
		return nil, err
	}
	return []kb.KnowledgeBase{base}, nil
}

// resolveKB picks the knowledge base a call refers to, by id or by
// display name. With a single knowledge base the parameter is
// optional; with several it must name one of them.
func (s *Server) resolveKB(selector string) (kb.KnowledgeBase, error) {
	if selector == "" {
		if len(s.kbs) == 1 {
			return s.kbs[0], nil
		}
		ids := make([]string, len(s.kbs))
		for i, base := range s.kbs {
			ids[i] = base.ID
		}
		return kb.KnowledgeBase{}, kberr.New(kberr.KindInvalidInput,
			"knowledge_base_id is required when serving several knowledge bases").
			WithDetail("available", strings.Join(ids, ","))
	}
	for _, base := range s.kbs {
		if base.ID == selector || base.Name == selector {
			return base, nil
		}
	}
	return kb.KnowledgeBase{}, kberr.New(kberr.KindNotFound, "knowledge base not served here").
		WithDetail("kb_id", selector)
}

func (s *Server) handleSearch(ctx context.Context, req *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, SearchOutput, error) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, SearchOutput{}, kberr.New(kberr.KindInvalidInput, "query is required")
	}
	targets, err := s.searchTargets(input.KnowledgeBaseID)
	if err != nil {
		return nil, SearchOutput{}, err
	}

	out := SearchOutput{Results: []SearchResult{}}
	if len(targets) == 1 {
		out.KnowledgeBaseID = targets[0].ID
	}
	for _, base := range targets {
		resp, err := s.backend.Query(ctx, base.ID, input.Query, input.Limit)
		if err != nil {
			return nil, SearchOutput{}, err
		}
		for _, r := range resp.Results {
			out.Results = append(out.Results, SearchResult{
				Content:         r.Content,
				Filename:        r.Filename,
				FileType:        r.FileType,
				Score:           r.Score,
				ChunkIndex:      r.ChunkIndex,
				DocumentID:      r.DocumentID,
				KnowledgeBaseID: base.ID,
			})
		}
	}

	// Searching several knowledge bases merges their result lists into
	// one ranking, capped at the requested limit.
	if len(targets) > 1 {
		sort.SliceStable(out.Results, func(i, j int) bool {
			return out.Results[i].Score > out.Results[j].Score
		})
		limit := input.Limit
		if limit <= 0 {
			limit = search.DefaultLimit
		}
		if len(out.Results) > limit {
			out.Results = out.Results[:limit]
		}
	}
	out.Total = len(out.Results)
	return nil, out, nil
}

func (s *Server) handleInfo(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, InfoOutput, error) {
	out := InfoOutput{KnowledgeBases: make([]KBInfo, 0, len(s.kbs))}
	for _, base := range s.kbs {
		info := KBInfo{ID: base.ID, Name: base.Name, Description: base.Description}
		if stats, err := s.backend.Stats(ctx, base.ID); err == nil {
			info.DocumentCount = stats.FileCount
			info.ChunkCount = stats.TotalChunks
		}
		out.KnowledgeBases = append(out.KnowledgeBases, info)
	}
	return nil, out, nil
}

func (s *Server) handleListDocuments(ctx context.Context, req *mcp.CallToolRequest, input ListDocumentsInput) (*mcp.CallToolResult, ListDocumentsOutput, error) {
	base, err := s.resolveKB(input.KnowledgeBaseID)
	if err != nil {
		return nil, ListDocumentsOutput{}, err
	}
	docs, err := s.backend.Documents(ctx, base.ID)
	if err != nil {
		return nil, ListDocumentsOutput{}, err
	}

	out := ListDocumentsOutput{KnowledgeBaseID: base.ID, Documents: make([]DocumentInfo, len(docs))}
	for i, doc := range docs {
		out.Documents[i] = DocumentInfo{
			ID:         doc.ID,
			Filename:   doc.Filename,
			Status:     string(doc.Status),
			ChunkCount: doc.ChunkCount,
			SizeBytes:  doc.SizeBytes,
		}
	}
	return nil, out, nil
}

// Handler returns the HTTP handler: /healthz for the supervisor's
// probe and /mcp for MCP clients.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","server_id":%q}`, s.id)
	})
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return s.mcp }, nil))
	return mux
}

// Serve listens on the assigned port until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("tool server listening",
		slog.String("server_id", s.id), slog.Int("port", s.port),
		slog.Int("knowledge_bases", len(s.kbs)))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return kberr.Wrap(kberr.KindInternal, "tool server listener", err)
	}
}
