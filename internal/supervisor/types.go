// Package supervisor manages MCP tool server processes: their
// records, their ports, and their lifecycles. Each tool server is a
// child process exposing MCP tools over HTTP for one or more knowledge
// bases; the supervisor starts, stops, restarts, and watches them.
package supervisor

import "time"

// ServerStatus is the observed state of a tool server process.
type ServerStatus string

const (
	StatusStopped  ServerStatus = "stopped"
	StatusStarting ServerStatus = "starting"
	StatusRunning  ServerStatus = "running"
	StatusCrashed  ServerStatus = "crashed"
)

// Overrides customizes the MCP surface a tool server presents.
// Empty fields fall back to built-in descriptions.
type Overrides struct {
	ServerInstructions    string `json:"server_instructions,omitempty"`
	SearchToolDescription string `json:"search_tool_description,omitempty"`
	// SearchParamDescriptions overrides individual parameter
	// descriptions of the search tool, keyed by parameter name.
	SearchParamDescriptions map[string]string `json:"search_knowledge_base_params,omitempty"`
}

// ServerRecord is one tool server's persistent definition. Managed
// records are the per-knowledge-base defaults: they live and die with
// their knowledge base and cannot be deleted directly.
type ServerRecord struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	KBIDs     []string     `json:"kb_ids"`
	Port      int          `json:"port"`
	BaseURL   string       `json:"base_url"`
	Enabled   bool         `json:"enabled"`
	Managed   bool         `json:"managed,omitempty"`
	Overrides Overrides    `json:"overrides"`
	Status    ServerStatus `json:"status"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// ServesKB reports whether the record includes the knowledge base.
func (r ServerRecord) ServesKB(kbID string) bool {
	for _, id := range r.KBIDs {
		if id == kbID {
			return true
		}
	}
	return false
}

// WithoutKB returns the kb id list minus the given one.
func (r ServerRecord) WithoutKB(kbID string) []string {
	out := make([]string, 0, len(r.KBIDs))
	for _, id := range r.KBIDs {
		if id != kbID {
			out = append(out, id)
		}
	}
	return out
}
