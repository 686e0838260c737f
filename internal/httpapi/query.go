package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
)

type queryRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (a *API) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.svc.Engine.Query(r.Context(), chi.URLParam(r, "kbID"), req.Query, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSearchGet is the query-string form of handleQuery, convenient
// for curl and the web UI: GET /api/kbs/{kbID}/search?q=...&limit=N.
func (a *API) handleSearchGet(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, kberr.Wrap(kberr.KindInvalidInput, "parse limit", err))
			return
		}
		limit = n
	}
	resp, err := a.svc.Engine.Query(r.Context(), chi.URLParam(r, "kbID"), r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type similarRequest struct {
	DocumentID string `json:"document_id"`
	Limit      int    `json:"limit,omitempty"`
}

func (a *API) handleFindSimilar(w http.ResponseWriter, r *http.Request) {
	var req similarRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := a.svc.Engine.FindSimilar(r.Context(), chi.URLParam(r, "kbID"), req.DocumentID, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
