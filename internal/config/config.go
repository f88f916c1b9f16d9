// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Server() ServerConfig
	LLM() LLMConfig
	Conversation() ConversationConfig
	Database() DatabaseConfig
	Browser() BrowserConfig
	Driver() DriverConfig

	SetBrowserHeadless(bool)
	SetDriverServerURL(string)
	SetDriverConversationID(string)
	SetDriverStartURL(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	ServerCfg       ServerConfig       `mapstructure:"server" yaml:"server"`
	LLMCfg          LLMConfig          `mapstructure:"llm" yaml:"llm"`
	ConversationCfg ConversationConfig `mapstructure:"conversation" yaml:"conversation"`
	DatabaseCfg     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	BrowserCfg      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
	DriverCfg       DriverConfig       `mapstructure:"driver" yaml:"driver"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig { return c.LoggerCfg }
func (c *Config) Server() ServerConfig { return c.ServerCfg }
func (c *Config) LLM() LLMConfig { return c.LLMCfg }
func (c *Config) Conversation() ConversationConfig { return c.ConversationCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Driver() DriverConfig { return c.DriverCfg }

// --- Interface Method Implementations (Setters) ---
// Setters exist for values that CLI flags override after loading.

func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }
func (c *Config) SetDriverServerURL(u string) { c.DriverCfg.ServerURL = u }
func (c *Config) SetDriverConversationID(id string) { c.DriverCfg.ConversationID = id }
func (c *Config) SetDriverStartURL(u string) { c.DriverCfg.StartURL = u }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ServerConfig configures the HTTP and WebSocket surface.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	// MaxBodyBytes caps a POST body. Non-positive falls back to 8 MiB.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// LLMProvider names a supported model backend.
type LLMProvider string

const (
	// ProviderGemini talks to the Gemini REST endpoint directly.
	ProviderGemini LLMProvider = "gemini"
	// ProviderGenAI uses the google.golang.org/genai SDK, which also covers Vertex AI.
	ProviderGenAI LLMProvider = "genai"
)

// LLMConfig defines the model used for every conversation.
type LLMConfig struct {
	Provider          LLMProvider       `mapstructure:"provider" yaml:"provider"`
	Model             string            `mapstructure:"model" yaml:"model"`
	APIKey            string            `mapstructure:"api_key" yaml:"api_key"`
	Endpoint          string            `mapstructure:"endpoint" yaml:"endpoint"`
	Project           string            `mapstructure:"project" yaml:"project"`
	Location          string            `mapstructure:"location" yaml:"location"`
	APITimeout        time.Duration     `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature       float32           `mapstructure:"temperature" yaml:"temperature"`
	TopP              float32           `mapstructure:"top_p" yaml:"top_p"`
	TopK              int               `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens         int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestsPerSecond float64           `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int               `mapstructure:"burst" yaml:"burst"`
	SafetyFilters     map[string]string `mapstructure:"safety_filters" yaml:"safety_filters"`
	Retry             RetryConfig       `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig is the retry policy for transient LLM failures.
// MaxAttempts of 1 disables retries.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time" yaml:"max_elapsed_time"`
}

// Validate checks the retry policy for sane values.
func (r RetryConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if r.InitialInterval < 0 || r.MaxInterval < 0 || r.MaxElapsedTime < 0 {
		return fmt.Errorf("retry intervals cannot be negative")
	}
	if r.MaxInterval > 0 && r.InitialInterval > r.MaxInterval {
		return fmt.Errorf("initial_interval (%s) exceeds max_interval (%s)", r.InitialInterval, r.MaxInterval)
	}
	return nil
}

// Validate checks the LLM section.
func (l LLMConfig) Validate() error {
	switch l.Provider {
	case ProviderGemini, ProviderGenAI:
	default:
		return fmt.Errorf("unsupported provider %q (supported: %s, %s)", l.Provider, ProviderGemini, ProviderGenAI)
	}
	if l.Model == "" {
		return fmt.Errorf("model is required")
	}
	if l.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second cannot be negative")
	}
	if err := l.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

// ConversationConfig tunes per-conversation sessions.
type ConversationConfig struct {
	QueueSize        int    `mapstructure:"queue_size" yaml:"queue_size"`
	PageTokenBudget  int    `mapstructure:"page_token_budget" yaml:"page_token_budget"`
	SystemPromptFile string `mapstructure:"system_prompt_file" yaml:"system_prompt_file"`
	TestPromptPrefix string `mapstructure:"test_prompt_prefix" yaml:"test_prompt_prefix"`
}

// DatabaseConfig holds the transcript store connection details.
// An empty driver disables persistence.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	URL    string `mapstructure:"url" yaml:"url"`
}

// BrowserConfig configures the Chrome instance used by the driver.
type BrowserConfig struct {
	Headless      bool          `mapstructure:"headless" yaml:"headless"`
	UserDataDir   string        `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	WindowWidth   int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight  int           `mapstructure:"window_height" yaml:"window_height"`
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	Debug         bool          `mapstructure:"debug" yaml:"debug"`
}

// DriverConfig configures the browser-side driver process.
type DriverConfig struct {
	ServerURL         string        `mapstructure:"server_url" yaml:"server_url"`
	ConversationID    string        `mapstructure:"conversation_id" yaml:"conversation_id"`
	StartURL          string        `mapstructure:"start_url" yaml:"start_url"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ConfirmTimeout    time.Duration `mapstructure:"confirm_timeout" yaml:"confirm_timeout"`
	WaitTimeout       time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "saccessco")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Server --
	v.SetDefault("server.listen_addr", ":8000")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_body_bytes", 8<<20)

	// -- LLM --
	v.SetDefault("llm.provider", string(ProviderGemini))
	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("llm.api_timeout", "90s")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.top_p", 0.95)
	v.SetDefault("llm.top_k", 40)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.requests_per_second", 2.0)
	v.SetDefault("llm.burst", 4)
	v.SetDefault("llm.location", "us-central1")
	v.SetDefault("llm.retry.max_attempts", 3)
	v.SetDefault("llm.retry.initial_interval", "1s")
	v.SetDefault("llm.retry.max_interval", "30s")
	v.SetDefault("llm.retry.max_elapsed_time", "2m")

	// -- Conversation --
	v.SetDefault("conversation.queue_size", 64)
	v.SetDefault("conversation.page_token_budget", 60000)
	v.SetDefault("conversation.test_prompt_prefix", "test")

	// -- Database --
	v.SetDefault("database.driver", "")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.debug", false)

	// -- Driver --
	v.SetDefault("driver.server_url", "http://localhost:8000")
	v.SetDefault("driver.poll_interval", "1s")
	v.SetDefault("driver.confirm_timeout", "15s")
	v.SetDefault("driver.wait_timeout", "5s")
	v.SetDefault("driver.reconnect_attempts", 10)
	v.SetDefault("driver.reconnect_delay", "1s")
}

// NewConfigFromViper builds and validates a Config from a populated viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("llm.api_key", "SACCESSCO_LLM_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("database.url", "SACCESSCO_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.LLMCfg.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	if c.ConversationCfg.QueueSize <= 0 {
		return fmt.Errorf("conversation.queue_size must be a positive integer")
	}
	if c.ConversationCfg.PageTokenBudget < 0 {
		return fmt.Errorf("conversation.page_token_budget cannot be negative")
	}
	if strings.TrimSpace(c.ConversationCfg.TestPromptPrefix) == "" {
		return fmt.Errorf("conversation.test_prompt_prefix cannot be empty")
	}
	switch c.DatabaseCfg.Driver {
	case "":
	case "postgres", "sqlite":
		if c.DatabaseCfg.URL == "" {
			return fmt.Errorf("database.url is required when database.driver is %q", c.DatabaseCfg.Driver)
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.DatabaseCfg.Driver)
	}
	if c.DriverCfg.PollInterval <= 0 {
		return fmt.Errorf("driver.poll_interval must be positive")
	}
	if c.DriverCfg.ReconnectAttempts < 0 {
		return fmt.Errorf("driver.reconnect_attempts cannot be negative")
	}
	return nil
}
