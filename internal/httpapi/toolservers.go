package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Aman-CERP/kbmcp/internal/supervisor"
)

type createToolServerRequest struct {
	Name      string               `json:"name"`
	KBIDs     []string             `json:"kb_ids"`
	Port      int                  `json:"port,omitempty"`
	Enabled   bool                 `json:"enabled"`
	Overrides supervisor.Overrides `json:"overrides"`
}

func (a *API) handleCreateToolServer(w http.ResponseWriter, r *http.Request) {
	var req createToolServerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	record, err := a.svc.Supervisor.Create(r.Context(), req.Name, req.KBIDs, req.Port, req.Enabled, req.Overrides)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (a *API) handleListToolServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Supervisor.List())
}

func (a *API) handleGetToolServer(w http.ResponseWriter, r *http.Request) {
	record, err := a.svc.Supervisor.Get(chi.URLParam(r, "serverID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type updateToolServerRequest struct {
	Name      *string               `json:"name,omitempty"`
	KBIDs     []string              `json:"kb_ids,omitempty"`
	Enabled   *bool                 `json:"enabled,omitempty"`
	Overrides *supervisor.Overrides `json:"overrides,omitempty"`
}

func (a *API) handleUpdateToolServer(w http.ResponseWriter, r *http.Request) {
	var req updateToolServerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	record, err := a.svc.Supervisor.Update(r.Context(), chi.URLParam(r, "serverID"), supervisor.ServerUpdate{
		Name:      req.Name,
		KBIDs:     req.KBIDs,
		Enabled:   req.Enabled,
		Overrides: req.Overrides,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *API) handleDeleteToolServer(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Supervisor.Delete(chi.URLParam(r, "serverID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStartToolServer(w http.ResponseWriter, r *http.Request) {
	a.toolServerAction(w, r, a.svc.Supervisor.Start)
}

func (a *API) handleRestartToolServer(w http.ResponseWriter, r *http.Request) {
	a.toolServerAction(w, r, a.svc.Supervisor.Restart)
}

func (a *API) handleStopToolServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "serverID")
	if err := a.svc.Supervisor.Stop(id); err != nil {
		writeError(w, err)
		return
	}
	record, err := a.svc.Supervisor.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *API) toolServerAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "serverID")
	if err := action(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	record, err := a.svc.Supervisor.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}
