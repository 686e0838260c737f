// Package errors provides structured error handling for kbmcp.
//
// Every error that crosses a package boundary carries a Kind so callers
// can branch on failure class without string matching, and so the HTTP
// facade can derive a status code.
package errors

import "net/http"

// Kind classifies an error for callers and for the HTTP facade.
type Kind string

const (
	// KindInvalidInput indicates a malformed or out-of-range request.
	KindInvalidInput Kind = "invalid_input"
	// KindNotFound indicates the referenced entity does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict indicates a state collision, e.g. a reindex already running
	// or a duplicate knowledge-base name.
	KindConflict Kind = "conflict"
	// KindUnsupportedFormat indicates a document format no extractor handles.
	KindUnsupportedFormat Kind = "unsupported_format"
	// KindExtractionFailed indicates text extraction failed for a document.
	KindExtractionFailed Kind = "extraction_failed"
	// KindEmbeddingFailed indicates the embedding provider failed permanently.
	KindEmbeddingFailed Kind = "embedding_failed"
	// KindStorageFailed indicates a blob or metadata store operation failed.
	KindStorageFailed Kind = "storage_failed"
	// KindIndexCorrupt indicates a vector or lexical index failed validation.
	KindIndexCorrupt Kind = "index_corrupt"
	// KindPortUnavailable indicates the tool-server port range is exhausted
	// or a requested port is taken.
	KindPortUnavailable Kind = "port_unavailable"
	// KindSubprocessFailed indicates a tool-server child failed to start,
	// stop, or exited abnormally.
	KindSubprocessFailed Kind = "subprocess_failed"
	// KindTimeout indicates an operation exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindCancelled indicates the caller's context was cancelled.
	KindCancelled Kind = "cancelled"
	// KindInternal is the fallback for unexpected failures.
	KindInternal Kind = "internal"
)

// retryableKinds are transient by nature: the same call may succeed if
// repeated. Everything else is permanent from the caller's view.
var retryableKinds = map[Kind]bool{
	KindTimeout: true,
}

// HTTPStatus maps a kind to the status code the REST facade should return.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindPortUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
