package httpapi

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
	"github.com/Aman-CERP/kbmcp/internal/ingest"
	"github.com/Aman-CERP/kbmcp/internal/kb"
)

// maxUploadBytes bounds one upload request body.
const maxUploadBytes = 512 << 20

func (a *API) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Registry.Store(chi.URLParam(r, "kbID"))
	if err != nil {
		writeError(w, err)
		return
	}
	docs, err := st.Meta.ListDocuments()
	if err != nil {
		writeError(w, err)
		return
	}
	if docs == nil {
		docs = []kb.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// handleUploadDocument accepts multipart form uploads under the "file"
// field. Several files in one request become a batch.
func (a *API) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	kbID := chi.URLParam(r, "kbID")
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, kberr.Wrap(kberr.KindInvalidInput, "expected multipart upload", err))
		return
	}

	var items []ingest.Item
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, kberr.Wrap(kberr.KindInvalidInput, "read multipart body", err))
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		filename := part.FileName()
		_ = part.Close()
		if err != nil {
			writeError(w, kberr.Wrap(kberr.KindInvalidInput, "read uploaded file", err))
			return
		}
		items = append(items, ingest.Item{KBID: kbID, Filename: filename, Data: data})
	}
	if len(items) == 0 {
		writeError(w, kberr.New(kberr.KindInvalidInput, "no file parts in upload"))
		return
	}

	if len(items) == 1 {
		doc, err := a.svc.Pipeline.Upload(r.Context(), kbID, items[0].Filename, items[0].Data, nil)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, doc)
		return
	}

	docs, err := a.svc.Pipeline.UploadBatch(r.Context(), items, nil)
	if err != nil {
		// Partial results still matter to the caller: per-document
		// status says which items failed.
		writeJSON(w, http.StatusMultiStatus, map[string]any{
			"documents": docs,
			"error":     errorBody{Kind: kberr.KindOf(err), Message: err.Error()},
		})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"documents": docs})
}

func (a *API) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	err := a.svc.Pipeline.Delete(r.Context(), chi.URLParam(r, "kbID"), chi.URLParam(r, "docID"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleReprocessDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := a.svc.Pipeline.Reprocess(r.Context(), chi.URLParam(r, "kbID"), chi.URLParam(r, "docID"), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
