// Package httpapi is the backend's REST surface: knowledge base and
// document management, queries, reindexing, and tool server control.
// Tool server children also call it for all their data access.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Aman-CERP/kbmcp/internal/service"
	"github.com/Aman-CERP/kbmcp/pkg/version"
)

// API holds the handlers over the service components.
type API struct {
	svc *service.Service
}

// NewRouter builds the backend router.
func NewRouter(svc *service.Service) http.Handler {
	a := &API{svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Route("/kbs", func(r chi.Router) {
			r.Get("/", a.handleListKBs)
			r.Post("/", a.handleCreateKB)

			r.Route("/{kbID}", func(r chi.Router) {
				r.Get("/", a.handleGetKB)
				r.Patch("/", a.handleUpdateKBInfo)
				r.Delete("/", a.handleDeleteKB)
				r.Get("/stats", a.handleKBStats)
				r.Get("/config", a.handleGetConfig)
				r.Put("/config", a.handleUpdateConfig)
				r.Post("/reindex", a.handleStartReindex)
				r.Get("/reindex/progress", a.handleReindexProgress)

				r.Get("/documents", a.handleListDocuments)
				r.Post("/documents", a.handleUploadDocument)
				r.Delete("/documents/{docID}", a.handleDeleteDocument)
				r.Post("/documents/{docID}/reprocess", a.handleReprocessDocument)

				r.Post("/query", a.handleQuery)
				r.Get("/search", a.handleSearchGet)
				r.Post("/similar", a.handleFindSimilar)
			})
		})

		r.Route("/tool-servers", func(r chi.Router) {
			r.Get("/", a.handleListToolServers)
			r.Post("/", a.handleCreateToolServer)
			r.Route("/{serverID}", func(r chi.Router) {
				r.Get("/", a.handleGetToolServer)
				r.Patch("/", a.handleUpdateToolServer)
				r.Delete("/", a.handleDeleteToolServer)
				r.Post("/start", a.handleStartToolServer)
				r.Post("/stop", a.handleStopToolServer)
				r.Post("/restart", a.handleRestartToolServer)
			})
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)))
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}
