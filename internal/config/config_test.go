package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetDefaults(t *testing.T) {
	c := &Config{}
	c.SetDefaults()
	if c.LLM.Model != "gpt-4o" {
		t.Fatalf("expected gpt-4o, got %s", c.LLM.Model)
	}
	if c.Server.Port != 3000 {
		t.Fatalf("expected port 3000")
	}
	if c.Quota.MaxEndpointsPerUser != 10 {
		t.Fatalf("expected quota 10, got %d", c.Quota.MaxEndpointsPerUser)
	}
	if c.Quota.MinPromptLength != 10 {
		t.Fatalf("expected min prompt length 10")
	}
	if c.Log.Level != "info" {
		t.Fatalf("expected info level")
	}
}

func TestSetDefaultsGemini(t *testing.T) {
	c := &Config{LLM: LLMConfig{Provider: "gemini"}}
	c.SetDefaults()
	if c.LLM.Model != "gemini-2.5-flash" {
		t.Fatalf("unexpected gemini model %s", c.LLM.Model)
	}
	if c.LLM.BaseURL != "https://generativelanguage.googleapis.com/v1beta" {
		t.Fatalf("unexpected gemini base url %s", c.LLM.BaseURL)
	}
}

func TestLoadFromYAML(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("llm:\n  model: gpt-4.1\nserver:\n  port: 8080\nquota:\n  max_endpoints_per_user: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.Model != "gpt-4.1" {
		t.Fatalf("unexpected model %s", cfg.LLM.Model)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("unexpected port %d", cfg.Server.Port)
	}
	if cfg.Quota.MaxEndpointsPerUser != 3 {
		t.Fatalf("unexpected quota %d", cfg.Quota.MaxEndpointsPerUser)
	}
	if cfg.Server.PublicURL != "http://localhost:8080" {
		t.Fatalf("public url should follow port, got %s", cfg.Server.PublicURL)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KEBAPI_LLM_API_KEY", "sk-test")
	t.Setenv("KEBAPI_AUTH_JWT_SECRET", "shh")
	t.Setenv("KEBAPI_LLM_MAX_RETRIES", "2")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("expected api key from env")
	}
	if cfg.Auth.JWTSecret != "shh" {
		t.Fatalf("expected jwt secret from env")
	}
	if cfg.LLM.MaxRetries != 2 {
		t.Fatalf("expected max retries from env, got %d", cfg.LLM.MaxRetries)
	}
}

func TestValidate(t *testing.T) {
	c := &Config{}
	c.Store.Path = filepath.Join(t.TempDir(), "kebapi.db")
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	c.LLM.APIKey = ""
	if err := c.ValidateGenerate(); err == nil {
		t.Fatalf("expected generate validation error")
	}
	c.LLM.APIKey = "sk"
	if err := c.ValidateServe(); err == nil {
		t.Fatalf("expected serve validation error without jwt secret")
	}
	c.LLM.MaxRetries = -1
	if err := c.Validate(); err == nil {
		t.Fatalf("expected max_retries validation error")
	}
	c.LLM.MaxRetries = 0
	c.LLM.Provider = "claude"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected provider validation error")
	}
}

func TestLoadExpandsHomeInStorePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("store:\n  path: \"~/.kebapi/kebapi.db\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, ".kebapi", "kebapi.db"); cfg.Store.Path != want {
		t.Fatalf("expected %s, got %s", want, cfg.Store.Path)
	}
}
