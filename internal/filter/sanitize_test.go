package filter

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/kebapi/kebapi/pkg/types"
)

func TestSanitizeHeadersAndQuery(t *testing.T) {
	cfg := SanitizeConfig{
		Headers:     []string{"Authorization", "X-Api-Key"},
		BodyFields:  []string{"token", "password"},
		Replacement: "***REDACTED***",
	}
	req := types.APIRequest{
		Headers: map[string]string{"authorization": "Bearer abc", "X-API-Key": "k", "Accept": "application/json"},
		Query:   map[string][]string{"token": {"abc", "def"}, "q": {"ok"}},
	}

	got := Sanitize(req, cfg)
	if got.Headers["authorization"] != cfg.Replacement {
		t.Fatalf("expected authorization redacted")
	}
	if got.Headers["X-API-Key"] != cfg.Replacement {
		t.Fatalf("expected x-api-key redacted")
	}
	if got.Headers["Accept"] != "application/json" {
		t.Fatalf("expected accept unchanged")
	}
	if got.Query["token"][0] != cfg.Replacement || got.Query["token"][1] != cfg.Replacement {
		t.Fatalf("expected token query params redacted")
	}
	if got.Query["q"][0] != "ok" {
		t.Fatalf("expected non-sensitive query param unchanged")
	}
	if req.Headers["authorization"] != "Bearer abc" {
		t.Fatalf("input must not be mutated")
	}
}

func TestSanitizeBodyNested(t *testing.T) {
	cfg := SanitizeConfig{
		BodyFields:  []string{"password", "token", "secret"},
		Replacement: "***REDACTED***",
	}
	body := `{"user":{"password":"p","profile":{"token":"t","age":30}},"items":[{"secret":"s1"},{"name":"n"}],"token":"top"}`

	out := Sanitize(types.APIRequest{Body: body}, cfg)
	var got map[string]interface{}
	if err := json.Unmarshal([]byte(out.Body), &got); err != nil {
		t.Fatalf("unexpected json error: %v", err)
	}
	user := got["user"].(map[string]interface{})
	if user["password"] != cfg.Replacement {
		t.Fatalf("expected nested password redacted")
	}
	profile := user["profile"].(map[string]interface{})
	if profile["token"] != cfg.Replacement {
		t.Fatalf("expected nested token redacted")
	}
	items := got["items"].([]interface{})
	if items[0].(map[string]interface{})["secret"] != cfg.Replacement {
		t.Fatalf("expected secret redacted")
	}
	if got["token"] != cfg.Replacement {
		t.Fatalf("expected top-level token redacted")
	}
}

func TestSanitizeNonJSONBodyAndTruncation(t *testing.T) {
	cfg := SanitizeConfig{BodyFields: []string{"password"}, Replacement: "***REDACTED***"}

	out := Sanitize(types.APIRequest{Body: "not-json"}, cfg)
	if out.Body != "not-json" {
		t.Fatalf("expected non-json body unchanged")
	}

	long := strings.Repeat("x", maxLoggedBody+10)
	out = Sanitize(types.APIRequest{Body: long}, cfg)
	if len(out.Body) != maxLoggedBody {
		t.Fatalf("expected body truncated to %d, got %d", maxLoggedBody, len(out.Body))
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	// "é" is two bytes, so after the leading "a" the cap lands inside one.
	body := "a" + strings.Repeat("é", maxLoggedBody)
	out := Sanitize(types.APIRequest{Body: body}, SanitizeConfig{})
	if !utf8.ValidString(out.Body) {
		t.Fatalf("truncated body is not valid UTF-8")
	}
	if len(out.Body) != maxLoggedBody-1 {
		t.Fatalf("expected %d bytes, got %d", maxLoggedBody-1, len(out.Body))
	}

	if got := truncate("aé", 2); got != "a" {
		t.Fatalf("expected split rune dropped, got %q", got)
	}
	if got := truncate("日本語", 7); got != "日本" {
		t.Fatalf("expected two whole runes, got %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("expected short string unchanged, got %q", got)
	}
}
