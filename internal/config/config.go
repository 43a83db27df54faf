package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/doklado/document-pipeline/internal/models"
)

// Config is the full service configuration. The YAML file provides the
// baseline; environment variables override it and are the only place secret
// material belongs.
type Config struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`

	OCR      OCRConfig      `yaml:"ocr"`
	AI       AIConfig       `yaml:"ai"`
	Registry RegistryConfig `yaml:"registry"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Budget   BudgetConfig   `yaml:"budget"`

	DefaultMode models.ProcessingMode `yaml:"default_processing_mode"`
}

// OCRConfig enables/configures OCR adapters. An adapter with no key (where
// one is required) is absent from the registry, not an error.
type OCRConfig struct {
	TesseractEnabled  bool   `yaml:"tesseract_enabled"`
	TesseractLanguage string `yaml:"tesseract_language"`

	GeminiKey   string `yaml:"gemini_key"`
	GeminiModel string `yaml:"gemini_model"`

	LeapKey     string `yaml:"leap_key"`
	LeapBaseURL string `yaml:"leap_base_url"`

	TimeoutSeconds int `yaml:"timeout_seconds"` // per-provider call deadline
}

// AIConfig configures LLM adapters, one block per provider.
type AIConfig struct {
	OpenAI OpenAIConfig `yaml:"openai"`
	Gemini GeminiConfig `yaml:"gemini"`
	Ollama OllamaConfig `yaml:"ollama"`

	DefaultProvider string `yaml:"default_provider"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model"`
}

type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// RegistryConfig tunes the legal-entity registry client.
type RegistryConfig struct {
	BaseURL    string `yaml:"base_url"`
	CacheTTL   int    `yaml:"cache_ttl_seconds"`
	MaxEntries int    `yaml:"cache_max_entries"`
}

// JobsConfig tunes the async job manager.
type JobsConfig struct {
	WorkerCount    int `yaml:"worker_count"`
	QueueSize      int `yaml:"queue_size"`
	RetentionHours int `yaml:"retention_hours"`
}

// BudgetConfig caps LLM spend per owner.
type BudgetConfig struct {
	MaxDailyCostUSD   float64 `yaml:"max_daily_cost_usd"`
	MaxMonthlyCostUSD float64 `yaml:"max_monthly_cost_usd"`
}

// Load reads the YAML file at path (missing file is not fatal; defaults plus
// environment take over) and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Port)
	}
	if host := os.Getenv("HOST"); host != "" {
		c.Host = host
	}

	// OCR adapter keys: absence disables the adapter.
	if key := os.Getenv("OCR_PROVIDER_KEY_GEMINI"); key != "" {
		c.OCR.GeminiKey = key
	}
	if key := os.Getenv("OCR_PROVIDER_KEY_LEAP"); key != "" {
		c.OCR.LeapKey = key
	}
	if v := os.Getenv("OCR_TESSERACT_ENABLED"); v != "" {
		c.OCR.TesseractEnabled = v == "true" || v == "1"
	}

	if key := os.Getenv("LLM_PROVIDER_KEY"); key != "" {
		// Applies to whichever provider is the default.
		switch c.AI.DefaultProvider {
		case "gemini":
			c.AI.Gemini.APIKey = key
		default:
			c.AI.OpenAI.APIKey = key
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.AI.OpenAI.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.AI.Gemini.APIKey = key
	}
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		c.AI.Ollama.BaseURL = baseURL
	}
	if provider := os.Getenv("AI_PROVIDER"); provider != "" {
		c.AI.DefaultProvider = provider
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		c.AI.OpenAI.Model = model
	}
	if model := os.Getenv("GEMINI_MODEL"); model != "" {
		c.AI.Gemini.Model = model
	}

	if v := os.Getenv("MAX_DAILY_COST_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.MaxDailyCostUSD = f
		}
	}
	if v := os.Getenv("MAX_MONTHLY_COST_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Budget.MaxMonthlyCostUSD = f
		}
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Jobs.WorkerCount = n
		}
	}
	if v := os.Getenv("JOB_RETENTION_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Jobs.RetentionHours = n
		}
	}
	if v := os.Getenv("JOB_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Jobs.QueueSize = n
		}
	}
	if v := os.Getenv("REGISTRY_BASE_URL"); v != "" {
		c.Registry.BaseURL = v
	}
	if v := os.Getenv("REGISTRY_CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Registry.CacheTTL = n
		}
	}
	if v := os.Getenv("REGISTRY_CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Registry.MaxEntries = n
		}
	}
	if v := os.Getenv("DEFAULT_PROCESSING_MODE"); v != "" {
		c.DefaultMode = models.ProcessingMode(v)
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.OCR.TesseractLanguage == "" {
		c.OCR.TesseractLanguage = "ces+eng"
	}
	if c.OCR.GeminiModel == "" {
		c.OCR.GeminiModel = "gemini-1.5-flash"
	}
	if c.OCR.LeapBaseURL == "" {
		c.OCR.LeapBaseURL = "https://api.leapocr.com/v1"
	}
	if c.OCR.TimeoutSeconds == 0 {
		c.OCR.TimeoutSeconds = 15
	}
	if c.AI.TimeoutSeconds == 0 {
		c.AI.TimeoutSeconds = 30
	}
	if c.AI.DefaultProvider == "" {
		c.AI.DefaultProvider = "openai"
	}
	if c.AI.OpenAI.Model == "" {
		c.AI.OpenAI.Model = "gpt-4o"
	}
	if c.AI.Gemini.Model == "" {
		c.AI.Gemini.Model = "gemini-1.5-pro"
	}
	if c.AI.Ollama.BaseURL == "" {
		c.AI.Ollama.BaseURL = "http://localhost:11434"
	}
	if c.AI.Ollama.Model == "" {
		c.AI.Ollama.Model = "mistral"
	}
	if c.Registry.BaseURL == "" {
		c.Registry.BaseURL = "https://ares.gov.cz/ekonomicke-subjekty-v-be/rest"
	}
	if c.Registry.CacheTTL == 0 {
		c.Registry.CacheTTL = int((24 * time.Hour).Seconds())
	}
	if c.Registry.MaxEntries == 0 {
		c.Registry.MaxEntries = 1000
	}
	if c.Jobs.WorkerCount == 0 {
		c.Jobs.WorkerCount = 5
	}
	if c.Jobs.QueueSize == 0 {
		c.Jobs.QueueSize = 100
	}
	if c.Jobs.RetentionHours == 0 {
		c.Jobs.RetentionHours = 24
	}
	if c.Budget.MaxDailyCostUSD == 0 && os.Getenv("MAX_DAILY_COST_USD") == "" {
		c.Budget.MaxDailyCostUSD = 10
	}
	if c.Budget.MaxMonthlyCostUSD == 0 && os.Getenv("MAX_MONTHLY_COST_USD") == "" {
		c.Budget.MaxMonthlyCostUSD = 200
	}
	if !models.ValidMode(c.DefaultMode) {
		c.DefaultMode = models.ModeCostEffective
	}
}
