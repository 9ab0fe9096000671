package config

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lamim/convoforge/pkg/models"
)

// ModeConfig selects between synthetic generation and real-tenant extraction
type ModeConfig struct {
	UseRealAzure   bool `toml:"use_real_azure" yaml:"use_real_azure"`
	InjectRealData bool `toml:"inject_real_data" yaml:"inject_real_data"` // Build defect comparators for extracted records too
}

// Config represents the complete application configuration
type Config struct {
	Mode            ModeConfig               `toml:"mode" yaml:"mode"`
	Generation      GenerationConfig         `toml:"generation" yaml:"generation"`
	Rates           RatesConfig              `toml:"rates" yaml:"rates"`
	Models          map[string]ModelConfig   `toml:"models" yaml:"models"`
	Personas        map[string]PersonaConfig `toml:"personas" yaml:"personas"`
	PromptTemplates PromptTemplates          `toml:"prompt_templates" yaml:"prompt_templates"`
	IO              IOConfig                 `toml:"io" yaml:"io"`
	Azure           AzureConfig              `toml:"azure" yaml:"azure"`
	Scenarios       []ScenarioConfig         `toml:"scenarios" yaml:"scenarios"`
	Metrics         MetricsConfig            `toml:"metrics" yaml:"metrics"`
}

// GenerationConfig holds generation-specific settings
type GenerationConfig struct {
	TargetRecords     int    `toml:"target_records" yaml:"target_records"`
	TurnsPerRecord    int    `toml:"turns_per_record" yaml:"turns_per_record"`
	Persona           string `toml:"persona" yaml:"persona"`
	OutputDir         string `toml:"output_dir" yaml:"output_dir"`
	Seed              int64  `toml:"seed" yaml:"seed"`
	MaxRecordAttempts int    `toml:"max_record_attempts" yaml:"max_record_attempts"` // Generation attempts per index before it is marked failed
	RetryBaseDelayMs  int    `toml:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs   int    `toml:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`
}

// RatesConfig holds per-category injection probabilities (0.0-1.0)
type RatesConfig struct {
	PII               float64 `toml:"pii" yaml:"pii"`
	Toxicity          float64 `toml:"toxicity" yaml:"toxicity"`
	Hallucination     float64 `toml:"hallucination" yaml:"hallucination"`
	NegativeSentiment float64 `toml:"negative_sentiment" yaml:"negative_sentiment"`
}

// ModelConfig represents configuration for a single model endpoint
type ModelConfig struct {
	Backend            string  `toml:"backend" yaml:"backend"` // "openai" (OpenAI-compatible) or "ollama" (native /api/chat)
	BaseURL            string  `toml:"base_url" yaml:"base_url"`
	ModelName          string  `toml:"model_name" yaml:"model_name"`
	Temperature        float64 `toml:"temperature" yaml:"temperature"`
	TopP               float64 `toml:"top_p" yaml:"top_p"`
	MaxOutputTokens    int     `toml:"max_output_tokens" yaml:"max_output_tokens"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	MaxRetries         int     `toml:"max_retries" yaml:"max_retries"`                   // Transport-level retries inside one call (default 2)
	HTTPTimeoutSeconds int     `toml:"http_timeout_seconds" yaml:"http_timeout_seconds"` // Per HTTP request (default 600)
	CallTimeoutSeconds int     `toml:"call_timeout_seconds" yaml:"call_timeout_seconds"` // Per model call including retries (default 300)
}

// PersonaConfig describes a conversation persona/style profile
type PersonaConfig struct {
	UserRole      string   `toml:"user_role" yaml:"user_role"`
	AssistantRole string   `toml:"assistant_role" yaml:"assistant_role"`
	Style         string   `toml:"style" yaml:"style"`
	Topics        []string `toml:"topics" yaml:"topics"`
}

// PromptTemplates holds all customizable prompt templates
type PromptTemplates struct {
	Opening         string `toml:"opening" yaml:"opening"`
	AssistantSystem string `toml:"assistant_system" yaml:"assistant_system"`
	UserSystem      string `toml:"user_system" yaml:"user_system"`
	ToxicityRewrite string `toml:"toxicity_rewrite" yaml:"toxicity_rewrite"`
}

// IOConfig holds the retry policy for persistent writes
type IOConfig struct {
	MaxAttempts int `toml:"max_attempts" yaml:"max_attempts"`
	BaseDelayMs int `toml:"base_delay_ms" yaml:"base_delay_ms"`
	MaxDelayMs  int `toml:"max_delay_ms" yaml:"max_delay_ms"`
}

// AzureConfig holds real-tenant extraction settings. The access token is a secret.
type AzureConfig struct {
	TenantID     string `toml:"tenant_id" yaml:"tenant_id"`
	BotUserID    string `toml:"bot_user_id" yaml:"bot_user_id"`
	GraphBaseURL string `toml:"graph_base_url" yaml:"graph_base_url"`
	MaxThreads   int    `toml:"max_threads" yaml:"max_threads"`
}

// ScenarioConfig is one named stage of a scenario sequence
type ScenarioConfig struct {
	Name  string       `toml:"name" yaml:"name"`
	Rates *RatesConfig `toml:"rates" yaml:"rates"` // Nil keeps the top-level rates
}

// MetricsConfig controls the optional prometheus endpoint
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr" yaml:"listen_addr"`
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	APIKeys          map[string]string
	AzureAccessToken string
}

// ValidationError reports an invalid configuration value. It is fatal: no run starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

const (
	// MaxTargetRecords is the maximum allowed record count per run
	MaxTargetRecords = 100000
	// MaxTurnsPerRecord is the maximum conversation length
	MaxTurnsPerRecord = 40
	// MaxRecordAttempts caps per-index generation retries
	MaxRecordAttempts = 10
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Generation.TargetRecords < 1 {
		return invalid("generation.target_records", "must be at least 1")
	}
	if c.Generation.TargetRecords > MaxTargetRecords {
		return invalid("generation.target_records", "must not exceed %d (got %d)", MaxTargetRecords, c.Generation.TargetRecords)
	}
	if c.Generation.TurnsPerRecord < 2 || c.Generation.TurnsPerRecord > MaxTurnsPerRecord {
		return invalid("generation.turns_per_record", "must be between 2 and %d (got %d)", MaxTurnsPerRecord, c.Generation.TurnsPerRecord)
	}
	if c.Generation.OutputDir == "" {
		return invalid("generation.output_dir", "is required")
	}
	if c.Generation.MaxRecordAttempts < 1 || c.Generation.MaxRecordAttempts > MaxRecordAttempts {
		return invalid("generation.max_record_attempts", "must be between 1 and %d (got %d)", MaxRecordAttempts, c.Generation.MaxRecordAttempts)
	}
	if c.Generation.RetryBaseDelayMs < 0 || c.Generation.RetryMaxDelayMs < c.Generation.RetryBaseDelayMs {
		return invalid("generation.retry_max_delay_ms", "must be at least retry_base_delay_ms")
	}

	if err := c.Rates.validate("rates"); err != nil {
		return err
	}
	for i, sc := range c.Scenarios {
		if sc.Name == "" {
			return invalid(fmt.Sprintf("scenarios[%d].name", i), "is required")
		}
		if sc.Rates != nil {
			if err := sc.Rates.validate(fmt.Sprintf("scenarios[%d].rates", i)); err != nil {
				return err
			}
		}
	}

	if _, ok := c.Personas[c.Generation.Persona]; !ok {
		return invalid("generation.persona", "%q is not defined under personas", c.Generation.Persona)
	}
	for name, p := range c.Personas {
		if len(p.Topics) == 0 {
			return invalid("personas."+name+".topics", "must list at least one topic")
		}
	}

	mainModel, ok := c.Models["main"]
	if !ok {
		return invalid("models.main", "is required")
	}
	if err := validateModelConfig("main", mainModel); err != nil {
		return err
	}
	if rewrite, ok := c.Models["rewrite"]; ok {
		if err := validateModelConfig("rewrite", rewrite); err != nil {
			return err
		}
	}

	if c.IO.MaxAttempts < 1 {
		return invalid("io.max_attempts", "must be at least 1")
	}
	if c.IO.MaxDelayMs < c.IO.BaseDelayMs {
		return invalid("io.max_delay_ms", "must be at least base_delay_ms")
	}

	if c.Mode.UseRealAzure {
		if c.Azure.BotUserID == "" {
			return invalid("azure.bot_user_id", "is required when mode.use_real_azure is true")
		}
		if c.Azure.MaxThreads < 1 {
			return invalid("azure.max_threads", "must be at least 1")
		}
	}

	if c.PromptTemplates.Opening == "" {
		return invalid("prompt_templates.opening", "is required")
	}

	return nil
}

func (r RatesConfig) validate(prefix string) error {
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"pii", r.PII},
		{"toxicity", r.Toxicity},
		{"hallucination", r.Hallucination},
		{"negative_sentiment", r.NegativeSentiment},
	} {
		// Written so NaN fails too
		if !(f.value >= 0 && f.value <= 1.0) {
			return invalid(prefix+"."+f.name, "must be between 0.0 and 1.0 (got %v)", f.value)
		}
	}
	return nil
}

// ToModel converts the rate block into the injector's rate map
func (r RatesConfig) ToModel() models.Rates {
	return models.Rates{
		models.DefectPII:               r.PII,
		models.DefectToxicity:          r.Toxicity,
		models.DefectHallucination:     r.Hallucination,
		models.DefectNegativeSentiment: r.NegativeSentiment,
	}
}

func validateModelConfig(name string, mc ModelConfig) error {
	if mc.Backend != "openai" && mc.Backend != "ollama" {
		return invalid("models."+name+".backend", "must be openai or ollama (got %q)", mc.Backend)
	}
	if mc.BaseURL == "" {
		return invalid("models."+name+".base_url", "is required")
	}
	if mc.ModelName == "" {
		return invalid("models."+name+".model_name", "is required")
	}
	if mc.Temperature < 0 || mc.Temperature > 2 {
		return invalid("models."+name+".temperature", "must be between 0 and 2")
	}
	if mc.TopP < 0 || mc.TopP > 1 {
		return invalid("models."+name+".top_p", "must be between 0 and 1")
	}
	if mc.MaxOutputTokens < 1 {
		return invalid("models."+name+".max_output_tokens", "must be at least 1")
	}
	if mc.RateLimitPerMinute < 1 {
		return invalid("models."+name+".rate_limit_per_minute", "must be at least 1")
	}
	if mc.CallTimeoutSeconds < 1 {
		return invalid("models."+name+".call_timeout_seconds", "must be at least 1")
	}
	return nil
}

// RewriteModel returns the model used for toxicity rewrites, falling back to main
func (c *Config) RewriteModel() ModelConfig {
	if m, ok := c.Models["rewrite"]; ok {
		return m
	}
	return c.Models["main"]
}

// Persona returns the selected persona profile
func (c *Config) Persona() models.PersonaProfile {
	p := c.Personas[c.Generation.Persona]
	return models.PersonaProfile{
		Name:          c.Generation.Persona,
		UserRole:      p.UserRole,
		AssistantRole: p.AssistantRole,
		Style:         p.Style,
		Topics:        append([]string(nil), p.Topics...),
	}
}

// Job builds the immutable generation job for the given rates and output directory
func (c *Config) Job(rates RatesConfig, outputDir string) models.GenerationJob {
	job := models.GenerationJob{
		TargetRecords:  c.Generation.TargetRecords,
		TurnsPerRecord: c.Generation.TurnsPerRecord,
		Rates:          rates.ToModel(),
		Persona:        c.Persona(),
		OutputDir:      filepath.Clean(outputDir),
		Seed:           c.Generation.Seed,
		UseRealData:    c.Mode.UseRealAzure,
		InjectRealData: c.Mode.InjectRealData,
	}
	job.ConfigHash = ComputeJobHash(job)
	return job
}

// RecordRetryPolicy returns the per-index generation backoff settings
func (c *Config) RecordRetryPolicy() (attempts int, base, ceiling time.Duration) {
	return c.Generation.MaxRecordAttempts,
		time.Duration(c.Generation.RetryBaseDelayMs) * time.Millisecond,
		time.Duration(c.Generation.RetryMaxDelayMs) * time.Millisecond
}

// WriteRetryPolicy returns the backoff settings for persistent writes
func (c *Config) WriteRetryPolicy() (attempts int, base, ceiling time.Duration) {
	return c.IO.MaxAttempts,
		time.Duration(c.IO.BaseDelayMs) * time.Millisecond,
		time.Duration(c.IO.MaxDelayMs) * time.Millisecond
}

// ComputeJobHash hashes the fields that change what a run produces
func ComputeJobHash(job models.GenerationJob) string {
	cats := make([]string, 0, len(job.Rates))
	for cat, rate := range job.Rates {
		cats = append(cats, fmt.Sprintf("%s=%.4f", cat, rate))
	}
	sort.Strings(cats)

	data := fmt.Sprintf("%d:%d:%s:%s:%d:%t:%t",
		job.TargetRecords,
		job.TurnsPerRecord,
		job.Persona.Name,
		strings.Join(cats, ","),
		job.Seed,
		job.UseRealData,
		job.InjectRealData)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8])
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{
		APIKeys: make(map[string]string),
	}

	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		secrets.APIKeys["openai"] = key
	}

	secrets.AzureAccessToken = os.Getenv("AZURE_ACCESS_TOKEN")

	return secrets, nil
}

// GetAPIKey returns the API key for a given base URL
func (s *Secrets) GetAPIKey(baseURL string) string {
	if strings.Contains(baseURL, "openai.com") {
		if key := s.APIKeys["openai"]; key != "" {
			return key
		}
	}

	// Local servers usually run without auth, so an empty key is fine
	return s.APIKeys["generic"]
}
