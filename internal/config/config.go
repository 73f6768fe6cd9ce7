package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configPathEnv = "PDFCAST_CONFIG"
	logLevelEnv   = "PDFCAST_LOG_LEVEL"
	geminiKeyEnv  = "GEMINI_API_KEY"
)

// Defaults applied by Validate when a field is left empty.
const (
	DefaultServerAddress  = ":8000"
	DefaultDocumentDir    = "data/pdf"
	DefaultAudioDir       = "data/audio"
	DefaultMaxUploadBytes = 20 << 20
	DefaultDailyCap       = 1000000
	DefaultWindowDays     = 7
	DefaultReportCacheTTL = 30
	DefaultMinWorkers     = 2
	DefaultMaxWorkers     = 4
	DefaultQueueSize      = 16
)

// DefaultAllowedOrigins are the local frontend dev servers.
var DefaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
	"http://localhost:3001",
	"http://127.0.0.1:3001",
}

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Inference   InferenceConfig           `json:"inference" yaml:"inference"`
	Synthesis   SynthesisConfig           `json:"synthesis" yaml:"synthesis"`
	Usage       UsageConfig               `json:"usage" yaml:"usage"`
}

type BasicConfig struct {
	ServerAddress     string   `json:"server_address" yaml:"server_address"`
	DocumentDir       string   `json:"document_dir" yaml:"document_dir"`
	AudioDir          string   `json:"audio_dir" yaml:"audio_dir"`
	InboxDir          string   `json:"inbox_dir" yaml:"inbox_dir"`
	MaxUploadBytes    int64    `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	MinWorkers        int      `json:"min_workers" yaml:"min_workers"`
	MaxWorkers        int      `json:"max_workers" yaml:"max_workers"`
	QueueSize         int      `json:"queue_size" yaml:"queue_size"`
	PipelineTimeout   int      `json:"pipeline_timeout" yaml:"pipeline_timeout"` // minutes
	Timezone          string   `json:"timezone" yaml:"timezone"`
	AllowedOrigins    []string `json:"allowed_origins" yaml:"allowed_origins"`
	LogLevel          string   `json:"log_level" yaml:"log_level"`
	WorkerIdleTimeout int      `json:"worker_idle_timeout" yaml:"worker_idle_timeout"` // minutes
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"dbname" yaml:"dbname"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

// InferenceConfig selects the classify/summarize oracle.
type InferenceConfig struct {
	Provider              string `json:"provider" yaml:"provider"`
	ClassifyModel         string `json:"classify_model" yaml:"classify_model"`
	SummarizeModel        string `json:"summarize_model" yaml:"summarize_model"`
	AllowGeneralSummaries bool   `json:"allow_general_summaries" yaml:"allow_general_summaries"`
}

// SynthesisConfig selects the text-to-speech oracle.
type SynthesisConfig struct {
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	Voice    string `json:"voice" yaml:"voice"`
	Language string `json:"language" yaml:"language"`
}

type UsageConfig struct {
	DailyCap          int64 `json:"daily_cap" yaml:"daily_cap"`
	WindowDays        int   `json:"window_days" yaml:"window_days"`
	ReportCacheTTLSec int   `json:"report_cache_ttl" yaml:"report_cache_ttl"`
}

// Load reads configuration from the provided path (defaults to $PDFCAST_CONFIG, then config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(absPath))
	return &cfg, nil
}

// Validate checks required sections and fills defaults.
func (c *Config) Validate() error {
	if len(c.Databases) == 0 {
		return fmt.Errorf("at least one database must be configured")
	}
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = DefaultServerAddress
	}
	if b.DocumentDir == "" {
		b.DocumentDir = DefaultDocumentDir
	}
	if b.AudioDir == "" {
		b.AudioDir = DefaultAudioDir
	}
	if b.MaxUploadBytes <= 0 {
		b.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = DefaultMinWorkers
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = max(b.MinWorkers, DefaultMaxWorkers)
	}
	if b.QueueSize <= 0 {
		b.QueueSize = DefaultQueueSize
	}
	if len(b.AllowedOrigins) == 0 {
		b.AllowedOrigins = append([]string(nil), DefaultAllowedOrigins...)
	}
	if b.Timezone != "" {
		if _, err := time.LoadLocation(b.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", b.Timezone, err)
		}
	}
	if c.Inference.Provider == "" {
		c.Inference.Provider = "gemini"
	}
	if c.Synthesis.Provider == "" {
		c.Synthesis.Provider = "gemini"
	}
	if c.Synthesis.Language == "" {
		c.Synthesis.Language = "en-US"
	}
	if c.Usage.DailyCap <= 0 {
		c.Usage.DailyCap = DefaultDailyCap
	}
	if c.Usage.WindowDays <= 0 {
		c.Usage.WindowDays = DefaultWindowDays
	}
	if c.Usage.ReportCacheTTLSec <= 0 {
		c.Usage.ReportCacheTTLSec = DefaultReportCacheTTL
	}
	return nil
}

// Location returns the timezone used to bucket usage by calendar day.
func (b BasicConfig) Location() *time.Location {
	if b.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c *Config) applyEnvOverrides() {
	if lvl := os.Getenv(logLevelEnv); lvl != "" {
		c.BasicConfig.LogLevel = lvl
	}
	if key := os.Getenv(geminiKeyEnv); key != "" {
		if c.Providers == nil {
			c.Providers = make(map[string]ProviderConfig)
		}
		p := c.Providers["gemini"]
		if p.APIKey == "" {
			p.APIKey = key
			c.Providers["gemini"] = p
		}
	}
}

func (c *Config) resolvePaths(base string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.BasicConfig.DocumentDir = resolve(c.BasicConfig.DocumentDir)
	c.BasicConfig.AudioDir = resolve(c.BasicConfig.AudioDir)
	c.BasicConfig.InboxDir = resolve(c.BasicConfig.InboxDir)
	if db, ok := c.Databases["sqlite3"]; ok && db.DSN != "" && !strings.HasPrefix(db.DSN, ":memory:") && !strings.HasPrefix(db.DSN, "file:") {
		db.DSN = resolve(db.DSN)
		c.Databases["sqlite3"] = db
	}
}
