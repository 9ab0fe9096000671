package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultPersona is used when the config selects no persona
const DefaultPersona = "it_helpdesk"

// Load reads and parses the configuration file and environment variables.
// Files ending in .yaml or .yml are parsed as YAML, everything else as TOML.
func Load(configPath string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(configPath))
	if err != nil {
		return nil, nil, err
	}

	secrets, err := LoadSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	return cfg, secrets, nil
}

// Parse decodes, defaults and validates a configuration document
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ValidateInputs(); err != nil {
		return nil, fmt.Errorf("input validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Generation.TurnsPerRecord == 0 {
		cfg.Generation.TurnsPerRecord = 4
	}
	if cfg.Generation.OutputDir == "" {
		cfg.Generation.OutputDir = "generated_chats"
	}
	if cfg.Generation.MaxRecordAttempts == 0 {
		cfg.Generation.MaxRecordAttempts = 3
	}
	if cfg.Generation.RetryBaseDelayMs == 0 {
		cfg.Generation.RetryBaseDelayMs = 2000
	}
	if cfg.Generation.RetryMaxDelayMs == 0 {
		cfg.Generation.RetryMaxDelayMs = 60000
	}
	if cfg.Generation.Seed == 0 {
		cfg.Generation.Seed = 42
	}

	if len(cfg.Personas) == 0 {
		cfg.Personas = map[string]PersonaConfig{DefaultPersona: defaultPersona()}
	}
	if cfg.Generation.Persona == "" {
		cfg.Generation.Persona = DefaultPersona
	}

	for name, model := range cfg.Models {
		if model.Backend == "" {
			model.Backend = "openai"
		}
		if model.Temperature == 0 {
			model.Temperature = 0.7
		}
		if model.TopP == 0 {
			model.TopP = 1.0
		}
		if model.MaxOutputTokens == 0 {
			model.MaxOutputTokens = 1024
		}
		if model.RateLimitPerMinute == 0 {
			model.RateLimitPerMinute = 30
		}
		// TOML can't tell 0 from unset; -1 disables transport retries
		if model.MaxRetries == 0 {
			model.MaxRetries = 2
		} else if model.MaxRetries < 0 {
			model.MaxRetries = 0
		}
		if model.HTTPTimeoutSeconds == 0 {
			model.HTTPTimeoutSeconds = 600
		}
		if model.CallTimeoutSeconds == 0 {
			model.CallTimeoutSeconds = 300
		}
		cfg.Models[name] = model
	}

	if cfg.IO.MaxAttempts == 0 {
		cfg.IO.MaxAttempts = 6
	}
	if cfg.IO.BaseDelayMs == 0 {
		cfg.IO.BaseDelayMs = 250
	}
	if cfg.IO.MaxDelayMs == 0 {
		cfg.IO.MaxDelayMs = 8000
	}

	if cfg.Azure.GraphBaseURL == "" {
		cfg.Azure.GraphBaseURL = "https://graph.microsoft.com/v1.0"
	}
	if cfg.Azure.MaxThreads == 0 {
		cfg.Azure.MaxThreads = 50
	}

	if cfg.PromptTemplates.Opening == "" {
		cfg.PromptTemplates.Opening = GetDefaultOpeningTemplate()
	}
	if cfg.PromptTemplates.AssistantSystem == "" {
		cfg.PromptTemplates.AssistantSystem = GetDefaultAssistantSystemTemplate()
	}
	if cfg.PromptTemplates.UserSystem == "" {
		cfg.PromptTemplates.UserSystem = GetDefaultUserSystemTemplate()
	}
	if cfg.PromptTemplates.ToxicityRewrite == "" {
		cfg.PromptTemplates.ToxicityRewrite = GetDefaultToxicityRewriteTemplate()
	}
}
