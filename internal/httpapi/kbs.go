package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Aman-CERP/kbmcp/internal/kb"
)

type createKBRequest struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Config      *kb.KBConfig `json:"config,omitempty"`
}

func (a *API) handleCreateKB(w http.ResponseWriter, r *http.Request) {
	var req createKBRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cfg := kb.DefaultConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	base, err := a.svc.CreateKB(r.Context(), req.Name, req.Description, cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, base)
}

func (a *API) handleListKBs(w http.ResponseWriter, r *http.Request) {
	kbs, err := a.svc.Registry.List()
	if err != nil {
		writeError(w, err)
		return
	}
	if kbs == nil {
		kbs = []kb.KnowledgeBase{}
	}
	writeJSON(w, http.StatusOK, kbs)
}

func (a *API) handleGetKB(w http.ResponseWriter, r *http.Request) {
	base, err := a.svc.Registry.Get(chi.URLParam(r, "kbID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, base)
}

type updateKBInfoRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (a *API) handleUpdateKBInfo(w http.ResponseWriter, r *http.Request) {
	var req updateKBInfoRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	base, err := a.svc.UpdateKBInfo(r.Context(), chi.URLParam(r, "kbID"), req.Name, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, base)
}

func (a *API) handleDeleteKB(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteKB(r.Context(), chi.URLParam(r, "kbID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleKBStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.Registry.Stats(chi.URLParam(r, "kbID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	base, err := a.svc.Registry.Get(chi.URLParam(r, "kbID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, base.Config)
}

type updateConfigResponse struct {
	KnowledgeBase   kb.KnowledgeBase `json:"knowledge_base"`
	RequiresReindex bool             `json:"requires_reindex"`
}

func (a *API) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg kb.KBConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	base, requiresReindex, err := a.svc.Registry.UpdateConfig(chi.URLParam(r, "kbID"), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updateConfigResponse{KnowledgeBase: base, RequiresReindex: requiresReindex})
}

func (a *API) handleStartReindex(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Reindexer.Start(r.Context(), chi.URLParam(r, "kbID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (a *API) handleReindexProgress(w http.ResponseWriter, r *http.Request) {
	kbID := chi.URLParam(r, "kbID")
	if _, err := a.svc.Registry.Get(kbID); err != nil {
		writeError(w, err)
		return
	}
	snap, ok := a.svc.Reindexer.Progress(kbID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "none"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
