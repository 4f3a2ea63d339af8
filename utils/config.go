package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Engine        EngineConfig        `json:"engine" yaml:"engine"`
	LLM           ProviderConfig      `json:"llm" yaml:"llm"`
	Transcription TranscriptionConfig `json:"transcription" yaml:"transcription"`
	Moderation    ModerationConfig    `json:"moderation" yaml:"moderation"`
	Data          DataConfig          `json:"data" yaml:"data"`
	Server        ServerConfig        `json:"server" yaml:"server"`
	Log           LogConfig           `json:"log" yaml:"log"`
}

// EngineConfig holds the task orchestration settings
type EngineConfig struct {
	DefaultDailyLimit        int     `json:"default_daily_limit" yaml:"default_daily_limit"`
	InterviewMaxRounds       int     `json:"interview_max_rounds" yaml:"interview_max_rounds"`
	LLMRetryAttempts         int     `json:"llm_retry_attempts" yaml:"llm_retry_attempts"`
	LLMRetryBaseDelaySeconds float64 `json:"llm_retry_base_delay_seconds" yaml:"llm_retry_base_delay_seconds"`
	RateLimitMaxWaitSeconds  float64 `json:"rate_limit_max_wait_seconds" yaml:"rate_limit_max_wait_seconds"`
	ConversationTTLSeconds   int     `json:"conversation_ttl_seconds" yaml:"conversation_ttl_seconds"`
	MaxMessageLength         int     `json:"max_message_length" yaml:"max_message_length"`
	MaxQuestionLength        int     `json:"max_question_length" yaml:"max_question_length"`
	Timezone                 string  `json:"timezone" yaml:"timezone"`
	JanitorIntervalSeconds   int     `json:"janitor_interval_seconds" yaml:"janitor_interval_seconds"`
}

// ProviderConfig represents LLM provider configuration
type ProviderConfig struct {
	// Backend is "openai" for any OpenAI-compatible API or "ollama"
	Backend        string  `json:"backend" yaml:"backend"`
	DisplayName    string  `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	APIKey         string  `json:"api_key" yaml:"api_key"`
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	Model          string  `json:"model" yaml:"model"`
	MaxTokens      int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
	SiteURL        string  `json:"site_url,omitempty" yaml:"site_url,omitempty"`
	SiteName       string  `json:"site_name,omitempty" yaml:"site_name,omitempty"`
	// Prices in USD per token
	InputPrice  float64 `json:"input_price" yaml:"input_price"`
	OutputPrice float64 `json:"output_price" yaml:"output_price"`
}

// TranscriptionConfig configures voice message recognition
type TranscriptionConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	APIKey   string `json:"api_key" yaml:"api_key"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	Model    string `json:"model" yaml:"model"`
	Language string `json:"language" yaml:"language"`
}

// ModerationConfig configures the remote moderation endpoint
type ModerationConfig struct {
	UseProvider bool   `json:"use_provider" yaml:"use_provider"`
	APIKey      string `json:"api_key" yaml:"api_key"`
	BaseURL     string `json:"base_url" yaml:"base_url"`
	Model       string `json:"model" yaml:"model"`
	FailOpen    bool   `json:"fail_open" yaml:"fail_open"`
}

// DataConfig represents data storage configuration
type DataConfig struct {
	DBPath      string `json:"db_path" yaml:"db_path"`
	PostgresDSN string `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Addr                   string `json:"addr" yaml:"addr"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `json:"level" yaml:"level"`
	Path  string `json:"path,omitempty" yaml:"path,omitempty"`
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			DefaultDailyLimit:        20,
			InterviewMaxRounds:       3,
			LLMRetryAttempts:         3,
			LLMRetryBaseDelaySeconds: 1.0,
			RateLimitMaxWaitSeconds:  30,
			ConversationTTLSeconds:   600,
			MaxMessageLength:         4096,
			MaxQuestionLength:        4000,
			Timezone:                 "UTC",
			JanitorIntervalSeconds:   60,
		},
		LLM: ProviderConfig{
			Backend:        "openai",
			DisplayName:    "OpenRouter",
			BaseURL:        "https://openrouter.ai/api/v1",
			Model:          "google/gemini-2.0-flash-001",
			MaxTokens:      4096,
			Temperature:    0.7,
			TimeoutSeconds: 120,
			SiteName:       "EduHelper",
			InputPrice:     0.0000001,
			OutputPrice:    0.0000004,
		},
		Transcription: TranscriptionConfig{
			BaseURL:  "https://api.openai.com/v1",
			Model:    "whisper-1",
			Language: "ru",
		},
		Moderation: ModerationConfig{
			BaseURL:  "https://api.openai.com/v1",
			FailOpen: true,
		},
		Data: DataConfig{
			DBPath: "./data/eduhelper.db",
		},
		Server: ServerConfig{
			Addr:                   ":8080",
			ShutdownTimeoutSeconds: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from a JSON or YAML file over the
// defaults, then applies environment overrides
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := ApplyEnv(config); err != nil {
		return nil, err
	}

	// Expand paths
	if config.Data.DBPath != "" {
		config.Data.DBPath = expandPath(config.Data.DBPath)
	}
	if config.Log.Path != "" {
		config.Log.Path = expandPath(config.Log.Path)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// LoadDotEnv loads variables from a .env file when one exists. Variables
// already set in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides config fields from environment variables
func ApplyEnv(c *Config) error {
	// Later entries win, so OPENROUTER_API_KEY beats LLM_API_KEY
	strVars := []struct {
		name string
		dest *string
	}{
		{"LLM_BACKEND", &c.LLM.Backend},
		{"LLM_API_KEY", &c.LLM.APIKey},
		{"OPENROUTER_API_KEY", &c.LLM.APIKey},
		{"LLM_BASE_URL", &c.LLM.BaseURL},
		{"LLM_MODEL", &c.LLM.Model},
		{"OPENAI_API_KEY", &c.Transcription.APIKey},
		{"TRANSCRIPTION_MODEL", &c.Transcription.Model},
		{"MODERATION_API_KEY", &c.Moderation.APIKey},
		{"DATABASE_PATH", &c.Data.DBPath},
		{"POSTGRES_DSN", &c.Data.PostgresDSN},
		{"SERVER_ADDR", &c.Server.Addr},
		{"LOG_LEVEL", &c.Log.Level},
		{"LOG_PATH", &c.Log.Path},
		{"TIMEZONE", &c.Engine.Timezone},
	}
	for _, sv := range strVars {
		if v, ok := os.LookupEnv(sv.name); ok && v != "" {
			*sv.dest = v
		}
	}
	if c.Moderation.APIKey == "" {
		c.Moderation.APIKey = c.Transcription.APIKey
	}

	intVars := []struct {
		name string
		dest *int
	}{
		{"DAILY_REQUEST_LIMIT", &c.Engine.DefaultDailyLimit},
		{"INTERVIEW_MAX_ROUNDS", &c.Engine.InterviewMaxRounds},
		{"LLM_RETRY_ATTEMPTS", &c.Engine.LLMRetryAttempts},
		{"CONVERSATION_TTL_SECONDS", &c.Engine.ConversationTTLSeconds},
		{"MAX_MESSAGE_LENGTH", &c.Engine.MaxMessageLength},
	}
	for _, iv := range intVars {
		v, ok := os.LookupEnv(iv.name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", iv.name, err)
		}
		*iv.dest = n
	}

	if v, ok := os.LookupEnv("LLM_RETRY_BASE_DELAY_SECONDS"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid LLM_RETRY_BASE_DELAY_SECONDS: %w", err)
		}
		c.Engine.LLMRetryBaseDelaySeconds = f
	}
	return nil
}

// Validate checks settings that would break the engine
func (c *Config) Validate() error {
	var errs []error
	e := c.Engine
	if e.DefaultDailyLimit < 0 {
		errs = append(errs, errors.New("engine.default_daily_limit must not be negative"))
	}
	if e.InterviewMaxRounds < 0 {
		errs = append(errs, errors.New("engine.interview_max_rounds must not be negative"))
	}
	if e.LLMRetryAttempts < 1 {
		errs = append(errs, errors.New("engine.llm_retry_attempts must be at least 1"))
	}
	if e.LLMRetryBaseDelaySeconds < 0 {
		errs = append(errs, errors.New("engine.llm_retry_base_delay_seconds must not be negative"))
	}
	if e.ConversationTTLSeconds <= 0 {
		errs = append(errs, errors.New("engine.conversation_ttl_seconds must be positive"))
	}
	if e.MaxMessageLength < 16 {
		errs = append(errs, errors.New("engine.max_message_length must be at least 16"))
	}
	if b := c.LLM.Backend; b != "openai" && b != "ollama" {
		errs = append(errs, fmt.Errorf("llm.backend must be openai or ollama, got %q", b))
	}
	if e.JanitorIntervalSeconds <= 0 {
		errs = append(errs, errors.New("engine.janitor_interval_seconds must be positive"))
	}
	if _, err := time.LoadLocation(e.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("engine.timezone: %w", err))
	}
	if c.Data.DBPath == "" {
		errs = append(errs, errors.New("data.db_path is required"))
	}
	return errors.Join(errs...)
}

// Location returns the configured timezone, UTC if it cannot be loaded
func (e EngineConfig) Location() *time.Location {
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SaveConfig saves configuration to file
func SaveConfig(configPath string, config *Config) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	default:
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ and relative paths
func expandPath(path string) string {
	if len(path) == 0 {
		return path
	}

	// Expand ~
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	// Make absolute
	absPath, err := filepath.Abs(path)
	if err == nil {
		return absPath
	}

	return path
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	// Try to get user config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		// Fallback to current directory
		return "./config/default.json"
	}

	return filepath.Join(configDir, "eduhelper", "config.json")
}

// EnsureDefaultConfig creates a default config file at configPath (or the
// default path when empty) if it doesn't exist
func EnsureDefaultConfig(configPath string) (string, error) {
	if configPath == "" {
		configPath = GetConfigPath()
	}

	// Check if config exists
	if _, err := os.Stat(configPath); err == nil {
		return configPath, nil
	}

	if err := SaveConfig(configPath, DefaultConfig()); err != nil {
		return "", err
	}

	return configPath, nil
}
