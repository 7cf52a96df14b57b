package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort     = 17870
	DefaultHost     = "127.0.0.1"
	EnvFilename     = ".env"
	AliasesFilename = "aliases.yaml"
)

// Config holds the resolved gateway configuration. All values come from the
// dotenv file under the base directory, overridden by the real environment.
type Config struct {
	Host string
	Port int

	OpenAIAPIKey  string
	OpenAIBaseURL string

	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	OpenRouterReferer string
	OpenRouterTitle   string

	GeminiAPIKey  string
	GeminiBaseURL string

	GLMUpstreamURL string
	GLMAPIKey      string

	AnthropicUpstreamURL string
	AnthropicAPIKey      string
	AnthropicVersion     string

	VisionModel          string
	CodexReasoningEffort string

	// Aliases overlays the built-in model alias table.
	Aliases map[string]string
}

// Manager loads and caches the configuration. Get always returns a usable
// config even if the dotenv file is missing.
type Manager struct {
	baseDir     string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

func (m *Manager) BaseDir() string {
	return m.baseDir
}

func (m *Manager) EnvPath() string {
	return filepath.Join(m.baseDir, EnvFilename)
}

func (m *Manager) Load() (*Config, error) {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	env := map[string]string{}
	if fileEnv, err := godotenv.Read(m.EnvPath()); err == nil {
		env = fileEnv
	}

	// Real environment wins over the dotenv file.
	get := func(keys ...string) string {
		for _, key := range keys {
			if v := os.Getenv(key); v != "" {
				return v
			}
		}
		for _, key := range keys {
			if v := env[key]; v != "" {
				return v
			}
		}
		return ""
	}

	cfg := &Config{
		Host: DefaultHost,
		Port: DefaultPort,

		OpenAIAPIKey:  get("OPENAI_API_KEY"),
		OpenAIBaseURL: get("OPENAI_BASE_URL"),

		OpenRouterAPIKey:  get("OPENROUTER_API_KEY"),
		OpenRouterBaseURL: get("OPENROUTER_BASE_URL"),
		OpenRouterReferer: get("OPENROUTER_REFERER"),
		OpenRouterTitle:   get("OPENROUTER_TITLE"),

		GeminiAPIKey:  get("GEMINI_API_KEY"),
		GeminiBaseURL: get("GEMINI_BASE_URL"),

		GLMUpstreamURL: get("GLM_UPSTREAM_URL"),
		GLMAPIKey:      get("ZAI_API_KEY", "GLM_API_KEY"),

		AnthropicUpstreamURL: get("ANTHROPIC_UPSTREAM_URL"),
		AnthropicAPIKey:      get("ANTHROPIC_API_KEY"),
		AnthropicVersion:     get("ANTHROPIC_VERSION"),

		VisionModel:          get("VISION_MODEL"),
		CodexReasoningEffort: get("CODEX_REASONING_EFFORT"),
	}

	if portStr := get("CLAUDE_PROXY_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid CLAUDE_PROXY_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	if cfg.OpenAIBaseURL == "" {
		cfg.OpenAIBaseURL = "https://api.openai.com/v1"
	}
	if cfg.OpenRouterBaseURL == "" {
		cfg.OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.GeminiBaseURL == "" {
		cfg.GeminiBaseURL = "https://generativelanguage.googleapis.com"
	}
	if cfg.GLMUpstreamURL == "" {
		cfg.GLMUpstreamURL = "https://api.z.ai/api/anthropic"
	}
	if cfg.AnthropicUpstreamURL == "" {
		cfg.AnthropicUpstreamURL = "https://api.anthropic.com"
	}
	if cfg.AnthropicVersion == "" {
		cfg.AnthropicVersion = "2023-06-01"
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = "qwen/qwen2.5-vl-72b-instruct"
	}

	aliases, err := m.loadAliases()
	if err != nil {
		return nil, err
	}
	cfg.Aliases = aliases

	m.configValue.Store(cfg)
	return cfg, nil
}

// loadAliases reads the optional aliases.yaml overlay, a flat map of
// shortcut name to "provider:model" target.
func (m *Manager) loadAliases() (map[string]string, error) {
	path := filepath.Join(m.baseDir, AliasesFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read aliases file: %w", err)
	}

	var aliases map[string]string
	if err := yaml.Unmarshal(data, &aliases); err != nil {
		return nil, fmt.Errorf("unmarshal aliases file: %w", err)
	}
	return aliases, nil
}

func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		return &Config{Host: DefaultHost, Port: DefaultPort}
	}
	return cfg
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.EnvPath())
	return err == nil
}
