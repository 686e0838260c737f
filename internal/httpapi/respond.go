package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	kberr "github.com/Aman-CERP/kbmcp/internal/errors"
)

type errorBody struct {
	Kind    kberr.Kind        `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", slog.String("error", err.Error()))
	}
}

// writeError maps structured errors to their HTTP status. Anything
// unstructured becomes an internal error without leaking its text
// classification.
func writeError(w http.ResponseWriter, err error) {
	var e *kberr.Error
	if !errors.As(err, &e) {
		e = kberr.Wrap(kberr.KindInternal, "request failed", err)
	}
	status := e.Kind.HTTPStatus()
	if status >= 500 {
		slog.Error("request failed", slog.String("kind", string(e.Kind)), slog.String("error", e.Error()))
	}
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Kind:    e.Kind,
		Message: e.Message,
		Details: e.Details,
	}})
}

// decodeJSON reads a request body into v, rejecting malformed JSON as
// invalid input.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return kberr.Wrap(kberr.KindInvalidInput, "parse request body", err)
	}
	return nil
}
