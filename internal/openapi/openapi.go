// Package openapi renders the mounted routes as an OpenAPI 3.0 document.
package openapi

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kebapi/kebapi/internal/registry"
	"github.com/kebapi/kebapi/pkg/types"
)

// Info describes the document header.
type Info struct {
	Title     string
	Version   string
	ServerURL string
}

// Build returns the OpenAPI document for bindings. endpoints maps endpoint ids
// to their descriptions; bindings whose endpoint is unknown are skipped.
func Build(info Info, bindings []registry.Binding, endpoints map[string]*types.Endpoint) map[string]interface{} {
	spec := map[string]interface{}{
		"openapi": "3.0.0",
		"info": map[string]interface{}{
			"title":   info.Title,
			"version": info.Version,
		},
		"paths": map[string]interface{}{},
	}
	if info.ServerURL != "" {
		spec["servers"] = []map[string]interface{}{{"url": info.ServerURL}}
	}

	tagSet := make(map[string]struct{})
	paths := spec["paths"].(map[string]interface{})
	for _, b := range bindings {
		ep, ok := endpoints[b.EndpointID]
		if !ok {
			continue
		}
		path := toOpenAPIPath(b.Pattern)
		pathItem, ok := paths[path].(map[string]interface{})
		if !ok {
			pathItem = map[string]interface{}{}
			paths[path] = pathItem
		}
		tag := tagFor(ep)
		tagSet[tag] = struct{}{}

		var op map[string]interface{}
		if b.Dynamic {
			op = dynamicOperation(b, ep)
		} else {
			op = staticOperation(ep)
		}
		op["tags"] = []string{tag}
		op["operationId"] = operationID(b)
		pathItem[strings.ToLower(b.Method.String())] = op
	}

	if len(tagSet) > 0 {
		names := make([]string, 0, len(tagSet))
		for name := range tagSet {
			names = append(names, name)
		}
		sort.Strings(names)
		tags := make([]map[string]interface{}, 0, len(names))
		for _, name := range names {
			tags = append(tags, map[string]interface{}{"name": name})
		}
		spec["tags"] = tags
	}
	return spec
}

// Render marshals the document as YAML.
func Render(info Info, bindings []registry.Binding, endpoints map[string]*types.Endpoint) ([]byte, error) {
	return yaml.Marshal(Build(info, bindings, endpoints))
}

// WriteFile writes data to path, creating parent directories.
func WriteFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func toOpenAPIPath(pattern string) string {
	segs := strings.Split(pattern, "/")
	for i, s := range segs {
		if strings.HasPrefix(s, ":") {
			segs[i] = "{" + s[1:] + "}"
		}
	}
	return strings.Join(segs, "/")
}

func tagFor(ep *types.Endpoint) string {
	if ep.Dynamic() && ep.FieldSchema.ResourceNamePlural != "" {
		return ep.FieldSchema.ResourceNamePlural
	}
	if ep.ProjectNamespace != "" {
		return ep.ProjectNamespace
	}
	return "default"
}

func operationID(b registry.Binding) string {
	var sb strings.Builder
	sb.WriteString(strings.ToLower(b.Method.String()))
	for _, s := range strings.Split(b.Pattern, "/") {
		s = strings.TrimPrefix(s, ":")
		if s == "" || s == "api" {
			continue
		}
		sb.WriteString(strings.ToUpper(s[:1]) + strings.ReplaceAll(s[1:], "-", ""))
	}
	return sb.String()
}

func staticOperation(ep *types.Endpoint) map[string]interface{} {
	op := map[string]interface{}{"summary": ep.Description}
	content := map[string]interface{}{"schema": map[string]interface{}{"type": "object"}}
	var example interface{}
	if err := json.Unmarshal(ep.ResponseSnapshot, &example); err == nil {
		content["example"] = example
	}
	op["responses"] = map[string]interface{}{
		"200": map[string]interface{}{
			"description": "Fixed response",
			"content":     map[string]interface{}{"application/json": content},
		},
	}
	return op
}

func dynamicOperation(b registry.Binding, ep *types.Endpoint) map[string]interface{} {
	fs := ep.FieldSchema
	item := itemSchema(fs.Fields, true)
	single := strings.HasSuffix(b.Pattern, "/:id")
	op := map[string]interface{}{}
	if single {
		op["parameters"] = []map[string]interface{}{{
			"name":     "id",
			"in":       "path",
			"required": true,
			"schema":   map[string]interface{}{"type": "string", "format": "uuid"},
		}}
	}

	responses := map[string]interface{}{}
	switch b.Method {
	case registry.MethodGet:
		if single {
			op["summary"] = "Get one " + fs.ResourceNameSingular
			responses["200"] = jsonResponse("The "+fs.ResourceNameSingular, envelope(item))
		} else {
			op["summary"] = "List " + fs.ResourceNamePlural
			list := envelope(map[string]interface{}{"type": "array", "items": item})
			list["properties"].(map[string]interface{})["total"] = map[string]interface{}{"type": "integer"}
			responses["200"] = jsonResponse("All "+fs.ResourceNamePlural, list)
		}
	case registry.MethodPost:
		op["summary"] = "Create a " + fs.ResourceNameSingular
		op["requestBody"] = jsonBody(itemSchema(fs.Fields, false))
		responses["201"] = jsonResponse("Created", envelope(item))
		responses["400"] = errorResponse("Missing required fields")
	case registry.MethodPut:
		op["summary"] = "Replace a " + fs.ResourceNameSingular
		op["requestBody"] = jsonBody(itemSchema(fs.Fields, false))
		responses["200"] = jsonResponse("Replaced", envelope(item))
		responses["400"] = errorResponse("Missing required fields")
	case registry.MethodDelete:
		op["summary"] = "Delete a " + fs.ResourceNameSingular
		responses["200"] = jsonResponse("Deleted", envelope(map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"id": map[string]interface{}{"type": "string"}},
		}))
	}
	if single {
		responses["404"] = errorResponse("Item not found")
	}
	if ep.Description != "" {
		op["description"] = ep.Description
	}
	op["responses"] = responses
	return op
}

func itemSchema(fields []types.Field, withID bool) map[string]interface{} {
	props := map[string]interface{}{}
	var required []string
	if withID {
		props["id"] = map[string]interface{}{"type": "string", "format": "uuid"}
		required = append(required, "id")
	}
	for _, f := range fields {
		typeName, format := inferType(f.Type)
		s := map[string]interface{}{"type": typeName}
		if format != "" {
			s["format"] = format
		}
		if typeName == "array" {
			s["items"] = map[string]interface{}{}
		}
		props[f.Name] = s
		if f.Required {
			required = append(required, f.Name)
		}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func envelope(data map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"success": map[string]interface{}{"type": "boolean"},
			"data":    data,
		},
	}
}

func jsonResponse(desc string, schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"description": desc,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{"schema": schema},
		},
	}
}

func jsonBody(schema map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"required": true,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{"schema": schema},
		},
	}
}

func errorResponse(desc string) map[string]interface{} {
	return jsonResponse(desc, map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"success": map[string]interface{}{"type": "boolean"},
			"error": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"code":    map[string]interface{}{"type": "string"},
					"message": map[string]interface{}{"type": "string"},
				},
			},
		},
	})
}

func inferType(t string) (string, string) {
	lt := strings.ToLower(t)
	switch {
	case strings.Contains(lt, "uuid"):
		return "string", "uuid"
	case strings.Contains(lt, "datetime"), strings.Contains(lt, "date-time"):
		return "string", "date-time"
	case strings.Contains(lt, "integer"):
		return "integer", ""
	case strings.Contains(lt, "number"):
		return "number", ""
	case strings.Contains(lt, "boolean"):
		return "boolean", ""
	case strings.Contains(lt, "array"):
		return "array", ""
	case strings.Contains(lt, "object"):
		return "object", ""
	default:
		return "string", ""
	}
}

// Validate performs basic structural checks on a rendered document.
func Validate(data []byte) []string {
	var spec map[string]interface{}
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return []string{err.Error()}
	}
	var errs []string
	if _, ok := spec["openapi"]; !ok {
		errs = append(errs, "missing openapi field")
	}
	paths, ok := spec["paths"].(map[string]interface{})
	if !ok || len(paths) == 0 {
		errs = append(errs, "missing or empty paths")
		return errs
	}
	for p, v := range paths {
		item, ok := v.(map[string]interface{})
		if !ok {
			errs = append(errs, fmt.Sprintf("invalid path item for %s", p))
			continue
		}
		for method, op := range item {
			o, ok := op.(map[string]interface{})
			if !ok {
				errs = append(errs, fmt.Sprintf("invalid operation %s %s", method, p))
				continue
			}
			if _, ok := o["responses"]; !ok {
				errs = append(errs, fmt.Sprintf("operation %s %s has no responses", method, p))
			}
		}
	}
	sort.Strings(errs)
	return errs
}
