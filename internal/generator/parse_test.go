package generator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatic(t *testing.T) {
	raw := "```json\n{\"path\":\"users\",\"method\":\"get\",\"description\":\"d\",\"responseData\":{\"success\":true,\"data\":[],\"total\":0}}\n```"
	out, err := ParseStatic(raw)
	require.NoError(t, err)
	assert.Equal(t, "/users", out.Path)
	assert.Equal(t, "GET", out.Method)
	assert.JSONEq(t, `{"success":true,"data":[],"total":0}`, string(out.ResponseData))
}

func TestParseStaticMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":       "",
		"not json":    "sorry, I cannot do that",
		"bad method":  `{"path":"/x","method":"PATCH","responseData":{}}`,
		"no path":     `{"method":"GET","responseData":{}}`,
		"no data":     `{"path":"/x","method":"GET"}`,
		"null data":   `{"path":"/x","method":"GET","responseData":null}`,
		"wrong shape": `[1,2,3]`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseStatic(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))
		})
	}
}

func TestParseResource(t *testing.T) {
	raw := `{"resourceName":"book","resourceNamePlural":"Books","description":"d",
"fields":[{"name":"id","type":"string"},{"name":"title","type":"string","required":true},{"name":"pages","type":"integer"}],
"sampleData":[{"id":"x","title":"A","pages":10},{"title":"B","pages":20}]}`
	out, err := ParseResource(raw)
	require.NoError(t, err)
	require.Len(t, out.Fields, 2)
	assert.Equal(t, "title", out.Fields[0].Name)
	assert.Equal(t, "number", out.Fields[1].Type)
	require.Len(t, out.SampleData, 2)
	assert.NotContains(t, out.SampleData[0], "id")
}

func TestParseResourceMalformed(t *testing.T) {
	for _, raw := range []string{
		`{"resourceName":"book","resourceNamePlural":"books","fields":[]}`,
		`{"resourceName":"book","fields":[{"name":"title"}]}`,
		`{"resourceName":"book","resourceNamePlural":"!!!","fields":[{"name":"title"}]}`,
		`not json`,
	} {
		_, err := ParseResource(raw)
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}
}

func TestParseDatasetSummary(t *testing.T) {
	out, err := ParseDatasetSummary(`{"resourceName":"city","resourceNamePlural":"cities","description":"World cities"}`)
	require.NoError(t, err)
	assert.Equal(t, "cities", out.ResourceNamePlural)

	_, err = ParseDatasetSummary(`{"description":"x"}`)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestResourcePath(t *testing.T) {
	assert.Equal(t, "/blog-posts", ResourcePath("Blog Posts"))
	assert.Equal(t, "/books", ResourcePath("  books "))
	assert.Equal(t, "/a-b", ResourcePath("a__b--"))
	assert.Equal(t, "/", ResourcePath("日本"))
}

func TestInferFields(t *testing.T) {
	rows := []map[string]any{
		{"id": 1.0, "name": "Paris", "population": 2.1, "capital": true},
		{"name": "Lyon", "population": 0.5, "tags": []any{"fr"}},
	}
	fields := InferFields(rows)
	require.Len(t, fields, 4)
	byName := map[string]bool{}
	for _, f := range fields {
		byName[f.Name] = f.Required
	}
	assert.True(t, byName["name"])
	assert.True(t, byName["population"])
	assert.False(t, byName["capital"])
	assert.Equal(t, "boolean", fields[0].Type)
	assert.Equal(t, "name", fields[1].Name)
	assert.Equal(t, "number", fields[2].Type)
	assert.Equal(t, "array", fields[3].Type)
}
