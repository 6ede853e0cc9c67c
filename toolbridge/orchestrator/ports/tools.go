package orchports

import "encoding/json"

// ToolSpec describes a callable tool exposed to the model.
type ToolSpec struct {
	Name        string // registry-qualified name
	Description string // concise doc for model selection
	JSONSchema  []byte // JSON schema for args
}

// ToolCall represents a model-invoked function with JSON arguments.
type ToolCall struct {
	ID   string // provider-assigned correlation ID, may be empty
	Name string
	Args json.RawMessage
}
