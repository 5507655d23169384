package model

import "encoding/json"

// Tool is a capability exported by an agent. The input schema is opaque to
// the coordinator: it is forwarded to AI clients verbatim and never
// validated server-side.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}
