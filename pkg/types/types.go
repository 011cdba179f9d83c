package types

import (
	"encoding/json"
	"strings"
	"time"
)

// Endpoint is one generated REST resource description.
type Endpoint struct {
	ID               string          `json:"id"`
	Path             string          `json:"path"`
	Method           string          `json:"method"`
	Description      string          `json:"description"`
	ProjectNamespace string          `json:"project_namespace,omitempty"`
	ResponseSnapshot json.RawMessage `json:"response_snapshot,omitempty"`
	FieldSchema      *FieldSchema    `json:"field_schema,omitempty"`
	OwnerID          string          `json:"owner_id,omitempty"`
	OriginalPrompt   string          `json:"original_prompt,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// FullPath returns the externally visible route prefix of the endpoint.
func (e *Endpoint) FullPath() string {
	return FullPath(e.ProjectNamespace, e.Path)
}

// Dynamic reports whether the endpoint is backed by stored items.
func (e *Endpoint) Dynamic() bool {
	return e.FieldSchema != nil
}

// FullPath joins the /api prefix, an optional project namespace and a path.
// The result never ends in a slash.
func FullPath(namespace, path string) string {
	prefix := "/api"
	if ns := strings.Trim(namespace, "/"); ns != "" {
		prefix += "/" + ns
	}
	if p := NormalizePath(path); p != "/" {
		return prefix + p
	}
	return prefix
}

// NormalizePath trims whitespace and surrounding slashes, then adds a single
// leading slash. "users/" and "/users" both become "/users"; an empty path is "/".
func NormalizePath(p string) string {
	return "/" + strings.Trim(strings.TrimSpace(p), "/")
}

// FieldSchema describes the records of a dynamic resource.
type FieldSchema struct {
	ResourceNameSingular string           `json:"resource_name_singular"`
	ResourceNamePlural   string           `json:"resource_name_plural"`
	Fields               []Field          `json:"fields"`
	SampleRecords        []map[string]any `json:"sample_records,omitempty"`
}

// Field is one attribute of a dynamic resource.
type Field struct {
	Name     string `json:"name" validate:"required"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// Item is one record that belongs to a dynamic endpoint.
type Item struct {
	ID         string         `json:"id"`
	EndpointID string         `json:"endpoint_id"`
	OwnerID    string         `json:"owner_id,omitempty"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Project flattens the item into {id, ...payload}.
func (i *Item) Project() map[string]any {
	out := make(map[string]any, len(i.Payload)+1)
	for k, v := range i.Payload {
		out[k] = v
	}
	out["id"] = i.ID
	return out
}

// Dataset is an uploaded set of rows used to seed a dynamic endpoint.
type Dataset struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	RowCount    int       `json:"row_count"`
	EndpointID  string    `json:"endpoint_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// DatasetItem is one uploaded row.
type DatasetItem struct {
	ID        int64          `json:"id"`
	DatasetID string         `json:"dataset_id"`
	Seq       int            `json:"seq"`
	Payload   map[string]any `json:"payload"`
}

// APIRequest records one call served by a generated route.
type APIRequest struct {
	ID         int64               `json:"id"`
	EndpointID string              `json:"endpoint_id"`
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	Query      map[string][]string `json:"query,omitempty"`
	Headers    map[string]string   `json:"headers,omitempty"`
	Body       string              `json:"body,omitempty"`
	StatusCode int                 `json:"status_code"`
	LatencyMs  int64               `json:"latency_ms"`
	CreatedAt  time.Time           `json:"created_at"`
}
