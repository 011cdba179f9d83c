package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"users":      "/users",
		"/users":     "/users",
		"users/":     "/users",
		" /users// ": "/users",
		"/a/b/":      "/a/b",
		"":           "/",
		"/":          "/",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizePath(in), "NormalizePath(%q)", in)
	}
}

func TestFullPath(t *testing.T) {
	assert.Equal(t, "/api/users", FullPath("", "users/"))
	assert.Equal(t, "/api/shop/books", FullPath("/shop/", "/books"))
	assert.Equal(t, "/api", FullPath("", "/"))
	assert.Equal(t, "/api/shop", FullPath("shop", ""))
}
