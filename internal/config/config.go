package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigRelPath = ".kebapi/config.yaml"
	defaultStoreRelPath  = ".kebapi/kebapi.db"
)

type LLMConfig struct {
	Provider       string  `yaml:"provider"`
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	// MaxRetries is how often a 429, 5xx or transport failure is retried. 0 disables retries.
	MaxRetries     int     `yaml:"max_retries"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	PublicURL string `yaml:"public_url"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type QuotaConfig struct {
	MaxEndpointsPerUser int `yaml:"max_endpoints_per_user"`
	MinPromptLength     int `yaml:"min_prompt_length"`
}

type SanitizeConfig struct {
	Headers     []string `yaml:"headers"`
	BodyFields  []string `yaml:"body_fields"`
	Replacement string   `yaml:"replacement"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Store    StoreConfig    `yaml:"store"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Quota    QuotaConfig    `yaml:"quota"`
	Sanitize SanitizeConfig `yaml:"sanitize"`
	Log      LogConfig      `yaml:"log"`
}

// Load loads YAML config, then applies env overrides.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		configPath = filepath.Join(home, defaultConfigRelPath)
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.SetDefaults()
	cfg.Store.Path = expandHome(cfg.Store.Path)
	return cfg, nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}

// DefaultDir returns ~/.kebapi.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, filepath.Dir(defaultConfigRelPath)), nil
}

func (c *Config) SetDefaults() {
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.BaseURL == "" {
		switch c.LLM.Provider {
		case "gemini":
			c.LLM.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
		default:
			c.LLM.BaseURL = "https://api.openai.com/v1"
		}
	}
	if c.LLM.Model == "" {
		switch c.LLM.Provider {
		case "gemini":
			c.LLM.Model = "gemini-2.5-flash"
		default:
			c.LLM.Model = "gpt-4o"
		}
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.TimeoutSeconds == 0 {
		c.LLM.TimeoutSeconds = 120
	}
	if c.Store.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Store.Path = filepath.Join(home, defaultStoreRelPath)
		} else {
			c.Store.Path = "kebapi.db"
		}
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	if c.Quota.MaxEndpointsPerUser == 0 {
		c.Quota.MaxEndpointsPerUser = 10
	}
	if c.Quota.MinPromptLength == 0 {
		c.Quota.MinPromptLength = 10
	}
	if len(c.Sanitize.Headers) == 0 {
		c.Sanitize.Headers = []string{"Authorization", "Cookie", "Set-Cookie", "X-Api-Key", "X-Auth-Token"}
	}
	if len(c.Sanitize.BodyFields) == 0 {
		c.Sanitize.BodyFields = []string{"password", "secret", "token", "api_key", "access_token", "refresh_token", "credential"}
	}
	if c.Sanitize.Replacement == "" {
		c.Sanitize.Replacement = "***REDACTED***"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = "console"
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path cannot be empty")
	}
	if err := ensureWritableDir(filepath.Dir(c.Store.Path)); err != nil {
		return fmt.Errorf("store.path not writable: %w", err)
	}
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider)
	}
	if c.LLM.MaxRetries < 0 {
		return errors.New("llm.max_retries cannot be negative")
	}
	if c.Quota.MaxEndpointsPerUser < 0 {
		return errors.New("quota.max_endpoints_per_user cannot be negative")
	}
	return nil
}

// ValidateGenerate enforces generate-specific requirements.
func (c *Config) ValidateGenerate() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return errors.New("llm.api_key cannot be empty")
	}
	return nil
}

// ValidateServe enforces the credentials the HTTP server cannot start without.
func (c *Config) ValidateServe() error {
	if err := c.ValidateGenerate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("auth.jwt_secret cannot be empty")
	}
	return nil
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func ensureWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func applyEnvOverrides(c *Config) {
	setString(&c.LLM.Provider, "KEBAPI_LLM_PROVIDER")
	setString(&c.LLM.APIKey, "KEBAPI_LLM_API_KEY")
	setString(&c.LLM.BaseURL, "KEBAPI_LLM_BASE_URL")
	setString(&c.LLM.Model, "KEBAPI_LLM_MODEL")
	setInt(&c.LLM.MaxTokens, "KEBAPI_LLM_MAX_TOKENS")
	setFloat(&c.LLM.Temperature, "KEBAPI_LLM_TEMPERATURE")
	setInt(&c.LLM.TimeoutSeconds, "KEBAPI_LLM_TIMEOUT_SECONDS")
	setInt(&c.LLM.MaxRetries, "KEBAPI_LLM_MAX_RETRIES")
	setString(&c.Store.Path, "KEBAPI_STORE_PATH")
	setString(&c.Server.Host, "KEBAPI_SERVER_HOST")
	setInt(&c.Server.Port, "KEBAPI_SERVER_PORT")
	setInt(&c.Server.Port, "PORT")
	setString(&c.Server.PublicURL, "KEBAPI_SERVER_PUBLIC_URL")
	setString(&c.Auth.JWTSecret, "KEBAPI_AUTH_JWT_SECRET")
	setString(&c.Auth.Issuer, "KEBAPI_AUTH_ISSUER")
	setInt(&c.Quota.MaxEndpointsPerUser, "KEBAPI_QUOTA_MAX_ENDPOINTS")
	setString(&c.Log.Level, "KEBAPI_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = n
		}
	}
}
