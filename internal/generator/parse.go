package generator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/kebapi/kebapi/pkg/types"
)

// ErrMalformed is returned when model output is empty, not JSON or misses required fields.
var ErrMalformed = errors.New("malformed model output")

var validate = validator.New()

// DatasetSummary is the model output for the dataset flow.
type DatasetSummary struct {
	ResourceName       string `json:"resourceName" validate:"required"`
	ResourceNamePlural string `json:"resourceNamePlural" validate:"required"`
	Description        string `json:"description"`
}

// ParseStatic decodes the legacy {path, method, description, responseData} output.
func ParseStatic(raw string) (*types.GeneratedEndpoint, error) {
	var out types.GeneratedEndpoint
	if err := decodeModelJSON(raw, &out); err != nil {
		return nil, err
	}
	out.Method = strings.ToUpper(strings.TrimSpace(out.Method))
	out.Path = strings.TrimSpace(out.Path)
	if err := validate.Struct(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	data := bytes.TrimSpace(out.ResponseData)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("%w: responseData missing", ErrMalformed)
	}
	out.Path = types.NormalizePath(out.Path)
	return &out, nil
}

// ParseResource decodes the schema-mode output.
func ParseResource(raw string) (*types.GeneratedResource, error) {
	var out types.GeneratedResource
	if err := decodeModelJSON(raw, &out); err != nil {
		return nil, err
	}
	out.ResourceName = strings.TrimSpace(out.ResourceName)
	out.ResourceNamePlural = strings.TrimSpace(out.ResourceNamePlural)
	fields := out.Fields[:0]
	for _, f := range out.Fields {
		f.Name = strings.TrimSpace(f.Name)
		if f.Name == "id" {
			continue
		}
		f.Type = normalizeType(f.Type)
		fields = append(fields, f)
	}
	out.Fields = fields
	if err := validate.Struct(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ResourcePath(out.ResourceNamePlural) == "/" {
		return nil, fmt.Errorf("%w: resourceNamePlural has no usable characters", ErrMalformed)
	}
	for _, rec := range out.SampleData {
		delete(rec, "id")
	}
	return &out, nil
}

// ParseDatasetSummary decodes the dataset naming output.
func ParseDatasetSummary(raw string) (*DatasetSummary, error) {
	var out DatasetSummary
	if err := decodeModelJSON(raw, &out); err != nil {
		return nil, err
	}
	out.ResourceName = strings.TrimSpace(out.ResourceName)
	out.ResourceNamePlural = strings.TrimSpace(out.ResourceNamePlural)
	if err := validate.Struct(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ResourcePath(out.ResourceNamePlural) == "/" {
		return nil, fmt.Errorf("%w: resourceNamePlural has no usable characters", ErrMalformed)
	}
	return &out, nil
}

func decodeModelJSON(raw string, out interface{}) error {
	content := stripMarkdownCodeBlock(raw)
	if content == "" {
		return fmt.Errorf("%w: empty response", ErrMalformed)
	}
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func stripMarkdownCodeBlock(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.Index(trimmed, "\n"); idx != -1 {
			trimmed = trimmed[idx+1:]
		}
		if end := strings.LastIndex(trimmed, "```"); end != -1 {
			trimmed = trimmed[:end]
		}
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}

// ResourcePath turns a plural resource name into a URL path segment, e.g.
// "Blog Posts" -> "/blog-posts".
func ResourcePath(plural string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(plural)) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			sb.WriteRune(r)
			dash = false
		case sb.Len() > 0 && !dash:
			sb.WriteByte('-')
			dash = true
		}
	}
	return "/" + strings.TrimRight(sb.String(), "-")
}

func normalizeType(t string) string {
	switch lt := strings.ToLower(strings.TrimSpace(t)); lt {
	case "integer", "int", "float", "double", "decimal":
		return "number"
	case "bool":
		return "boolean"
	case "date", "datetime", "":
		return "string"
	default:
		return lt
	}
}

// InferFields derives a field list from uploaded rows. A field is required
// when every row carries a non-null value for it.
func InferFields(rows []map[string]any) []types.Field {
	seen := make(map[string]int)
	kinds := make(map[string]string)
	for _, row := range rows {
		for k, v := range row {
			if k == "id" || v == nil {
				continue
			}
			seen[k]++
			if _, ok := kinds[k]; !ok {
				kinds[k] = jsonKind(v)
			}
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	fields := make([]types.Field, 0, len(names))
	for _, name := range names {
		fields = append(fields, types.Field{
			Name:     name,
			Type:     kinds[name],
			Required: seen[name] == len(rows),
		})
	}
	return fields
}

func jsonKind(v any) string {
	switch v.(type) {
	case float64, int, int64, json.Number:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "string"
	}
}
