package openapi

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kebapi/kebapi/internal/registry"
	"github.com/kebapi/kebapi/pkg/types"
)

func TestRenderAndValidate(t *testing.T) {
	books := &types.Endpoint{
		ID: "b1", Path: "/books", Method: "GET", ProjectNamespace: "shop", Description: "Books",
		CreatedAt: time.Now(),
		FieldSchema: &types.FieldSchema{
			ResourceNameSingular: "book", ResourceNamePlural: "books",
			Fields: []types.Field{{Name: "title", Type: "string", Required: true}, {Name: "published", Type: "datetime"}},
		},
	}
	users := &types.Endpoint{ID: "u1", Path: "/users", Method: "GET", Description: "Users", ResponseSnapshot: json.RawMessage(`{"success":true}`)}

	reg := registry.New(nil)
	require.NoError(t, reg.Register(books))
	require.NoError(t, reg.Register(users))
	eps := map[string]*types.Endpoint{"b1": books, "u1": users}

	data, err := Render(Info{Title: "kebapi", Version: "2.0.0", ServerURL: "http://localhost:3000"}, reg.Table().Routes(), eps)
	require.NoError(t, err)
	assert.Empty(t, Validate(data))

	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal(data, &doc))
	paths := doc["paths"].(map[string]interface{})
	require.Contains(t, paths, "/api/shop/books")
	require.Contains(t, paths, "/api/shop/books/{id}")
	require.Contains(t, paths, "/api/users")

	item := paths["/api/shop/books/{id}"].(map[string]interface{})
	assert.Contains(t, item, "get")
	assert.Contains(t, item, "put")
	assert.Contains(t, item, "delete")
	post := paths["/api/shop/books"].(map[string]interface{})["post"].(map[string]interface{})
	assert.Equal(t, "postShopBooks", post["operationId"])

	static := paths["/api/users"].(map[string]interface{})["get"].(map[string]interface{})
	ok := static["responses"].(map[string]interface{})["200"].(map[string]interface{})
	example := ok["content"].(map[string]interface{})["application/json"].(map[string]interface{})["example"]
	assert.Equal(t, map[string]interface{}{"success": true}, example)

	out := filepath.Join(t.TempDir(), "docs", "openapi.yaml")
	require.NoError(t, WriteFile(out, data))
	written, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, written)
}

func TestBuildSkipsUnknownEndpoints(t *testing.T) {
	doc := Build(Info{Title: "t", Version: "1"}, []registry.Binding{{Method: registry.MethodGet, Pattern: "/api/x", EndpointID: "gone"}}, nil)
	assert.Empty(t, doc["paths"])
	assert.NotContains(t, doc, "tags")
}

func TestValidateReportsProblems(t *testing.T) {
	assert.Contains(t, Validate([]byte("openapi: 3.0.0\npaths: {}\n")), "missing or empty paths")
	assert.Contains(t, Validate([]byte("paths:\n  /a:\n    get:\n      summary: x\n")), "missing openapi field")
	assert.Contains(t, Validate([]byte("openapi: 3.0.0\npaths:\n  /a:\n    get:\n      summary: x\n")), "operation get /a has no responses")
}
