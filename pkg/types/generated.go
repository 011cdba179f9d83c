package types

import "encoding/json"

// GeneratedEndpoint is the legacy model output: one static route and its payload.
type GeneratedEndpoint struct {
	Path         string          `json:"path" validate:"required"`
	Method       string          `json:"method" validate:"required,oneof=GET POST PUT DELETE"`
	Description  string          `json:"description"`
	ResponseData json.RawMessage `json:"responseData"`
}

// GeneratedResource is the schema-mode model output.
type GeneratedResource struct {
	ResourceName       string           `json:"resourceName" validate:"required"`
	ResourceNamePlural string           `json:"resourceNamePlural" validate:"required"`
	Description        string           `json:"description"`
	Fields             []Field          `json:"fields" validate:"required,min=1,dive"`
	SampleData         []map[string]any `json:"sampleData"`
}
