package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mx-space/imagetag/internal/models"
	"gopkg.in/yaml.v3"
)

// AppConfig holds runtime startup configuration loaded from YAML.
type AppConfig struct {
	Port           int              `yaml:"port"`
	Env            string           `yaml:"env"` // "development" | "production"
	AllowedOrigins []string         `yaml:"allowed_origins"`
	RedisURL       string           `yaml:"redis_url"`
	DatabaseDSN    string           `yaml:"database_dsn"`
	APIToken       string           `yaml:"api_token"`
	RateLimit      int              `yaml:"rate_limit_per_minute"`
	S3             S3Config         `yaml:"s3"`
	TagLibrary     TagLibraryConfig `yaml:"tag_library"`
	AI             AIConfig         `yaml:"ai"`
	Generation     GenerationConfig `yaml:"generation"`
	Image          ImageConfig      `yaml:"image"`

	// Path is the file the config was loaded from.
	Path string `yaml:"-"`
}

// IsProduction reports whether env is "production".
func (c *AppConfig) IsProduction() bool { return c.Env == "production" }

type rawAIConfig struct {
	Provider       string                      `yaml:"provider"`
	Providers      map[string]ProviderSettings `yaml:"providers"`
	Failover       rawFailoverConfig           `yaml:"failover"`
	Retry          RetryConfig                 `yaml:"retry"`
	ProbeTimeoutMS int                         `yaml:"probe_timeout_ms"`
}

type rawFailoverConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BackupProvider string `yaml:"backup_provider"`
	BackupAPIKey   string `yaml:"backup_api_key"`
}

type rawAppConfig struct {
	Port               int              `yaml:"port"`
	Env                string           `yaml:"env"`
	AllowedOrigins     []string         `yaml:"allowed_origins"`
	CORSAllowedOrigins []string         `yaml:"cors_allowed_origins"`
	RedisURL           string           `yaml:"redis_url"`
	DatabaseDSN        string           `yaml:"database_dsn"`
	APIToken           string           `yaml:"api_token"`
	RateLimit          int              `yaml:"rate_limit_per_minute"`
	S3                 S3Config         `yaml:"s3"`
	TagLibrary         TagLibraryConfig `yaml:"tag_library"`
	AI                 rawAIConfig      `yaml:"ai"`
	Generation         GenerationConfig `yaml:"generation"`
	Image              ImageConfig      `yaml:"image"`
}

// LoadEnvFile seeds the process environment from a dotenv file. A missing
// file is not an error; existing variables are never overwritten.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		path = DefaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

func Load(configPath string) (*AppConfig, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = DefaultConfigPath
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	cfg, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("config file %q: %w", path, err)
	}
	cfg.Path = path
	cfg.TagLibrary.Path = ResolveLocalPath(cfg.TagLibrary.Path, filepath.Dir(path))
	return cfg, nil
}

// Parse decodes YAML content after expanding ${VAR} references, applies
// defaults and validates the result.
func Parse(content []byte) (*AppConfig, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(expandEnv(content)))
	decoder.KnownFields(true)
	raw := rawAppConfig{}
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}

	cfg := defaultAppConfig()
	if err := applyRawAppConfig(&cfg, raw); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with the variable's value. Bare $VAR is left
// alone so keys containing '$' survive.
func expandEnv(content []byte) []byte {
	return envRef.ReplaceAllFunc(content, func(m []byte) []byte {
		name := string(envRef.FindSubmatch(m)[1])
		return []byte(os.Getenv(name))
	})
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Port: defaultPort,
		Env:  defaultEnv,
		S3:   S3Config{Region: defaultS3Region},
		AI: AIConfig{
			Provider:  defaultProvider,
			Providers: map[models.ProviderIdentity]ProviderSettings{},
			Retry: RetryConfig{
				MaxAttempts:   defaultRetryAttempts,
				BaseDelayMS:   defaultRetryBaseDelayMS,
				BackoffFactor: defaultRetryBackoffFactor,
			},
			ProbeTimeoutMS: int(defaultProbeTimeout.Milliseconds()),
		},
		Generation: GenerationConfig{
			TagCount:         models.DefaultTagCount,
			DescriptionStyle: string(models.StyleDetailed),
			TagLanguage:      string(models.TagLanguageSource),
		},
		Image: ImageConfig{
			MaxDimension: defaultMaxDimension,
			JPEGQuality:  defaultJPEGQuality,
		},
	}
}

func applyRawAppConfig(cfg *AppConfig, raw rawAppConfig) error {
	if raw.Port != 0 {
		cfg.Port = raw.Port
	}
	if v := strings.TrimSpace(raw.Env); v != "" {
		cfg.Env = v
	}
	cfg.Env = normalizeEnv(cfg.Env)

	switch {
	case raw.AllowedOrigins != nil:
		cfg.AllowedOrigins = normalizeOrigins(raw.AllowedOrigins)
	case raw.CORSAllowedOrigins != nil:
		cfg.AllowedOrigins = normalizeOrigins(raw.CORSAllowedOrigins)
	}

	cfg.RedisURL = normalizeRedisRawURL(raw.RedisURL)
	cfg.DatabaseDSN = strings.TrimSpace(raw.DatabaseDSN)
	cfg.APIToken = strings.TrimSpace(raw.APIToken)
	cfg.RateLimit = raw.RateLimit
	cfg.S3 = normalizeS3Config(raw.S3, cfg.S3)
	cfg.TagLibrary.Path = strings.TrimSpace(raw.TagLibrary.Path)
	cfg.TagLibrary.RefreshMinutes = raw.TagLibrary.RefreshMinutes

	if err := applyRawAIConfig(&cfg.AI, raw.AI); err != nil {
		return err
	}

	gen := raw.Generation
	if gen.TagCount != 0 {
		cfg.Generation.TagCount = gen.TagCount
	}
	if v := strings.TrimSpace(gen.DescriptionStyle); v != "" {
		cfg.Generation.DescriptionStyle = strings.ToLower(v)
	}
	if v := strings.TrimSpace(gen.TagLanguage); v != "" {
		cfg.Generation.TagLanguage = v
	}
	cfg.Generation.DeepReasoning = gen.DeepReasoning

	if raw.Image.MaxDimension != 0 {
		cfg.Image.MaxDimension = raw.Image.MaxDimension
	}
	if raw.Image.JPEGQuality != 0 {
		cfg.Image.JPEGQuality = raw.Image.JPEGQuality
	}
	return nil
}

func applyRawAIConfig(cfg *AIConfig, raw rawAIConfig) error {
	if v := strings.TrimSpace(raw.Provider); v != "" {
		id, ok := models.ParseProviderIdentity(v)
		if !ok {
			return fmt.Errorf("unknown ai.provider %q", v)
		}
		cfg.Provider = id
	}

	for key, settings := range raw.Providers {
		id, ok := models.ParseProviderIdentity(key)
		if !ok {
			return fmt.Errorf("unknown provider %q under ai.providers", key)
		}
		cfg.Providers[id] = normalizeProviderSettings(settings)
	}

	cfg.Failover.Enabled = raw.Failover.Enabled
	cfg.Failover.BackupAPIKey = strings.TrimSpace(raw.Failover.BackupAPIKey)
	if v := strings.TrimSpace(raw.Failover.BackupProvider); v != "" {
		id, ok := models.ParseProviderIdentity(v)
		if !ok {
			return fmt.Errorf("unknown ai.failover.backup_provider %q", v)
		}
		cfg.Failover.BackupProvider = id
	}

	if raw.Retry.MaxAttempts != 0 {
		cfg.Retry.MaxAttempts = raw.Retry.MaxAttempts
	}
	if raw.Retry.BaseDelayMS != 0 {
		cfg.Retry.BaseDelayMS = raw.Retry.BaseDelayMS
	}
	if raw.Retry.BackoffFactor != 0 {
		cfg.Retry.BackoffFactor = raw.Retry.BackoffFactor
	}
	if raw.ProbeTimeoutMS != 0 {
		cfg.ProbeTimeoutMS = raw.ProbeTimeoutMS
	}
	return nil
}

// Validate checks ranges that defaults cannot repair.
func (c *AppConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d, expected 1-65535", c.Port)
	}
	if !c.AI.Provider.Valid() {
		return fmt.Errorf("invalid ai.provider %q", c.AI.Provider)
	}
	if c.AI.Failover.Enabled && c.AI.Failover.BackupProvider == "" {
		return errors.New("ai.failover.enabled requires ai.failover.backup_provider")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("invalid rate_limit_per_minute %d, expected >= 0", c.RateLimit)
	}
	if c.TagLibrary.RefreshMinutes < 0 {
		return fmt.Errorf("invalid tag_library.refresh_minutes %d, expected >= 0", c.TagLibrary.RefreshMinutes)
	}
	if c.AI.Retry.MaxAttempts < 1 || c.AI.Retry.MaxAttempts > maxRetryAttempts {
		return fmt.Errorf("invalid ai.retry.max_attempts %d, expected 1-%d", c.AI.Retry.MaxAttempts, maxRetryAttempts)
	}
	if c.AI.Retry.BaseDelayMS < 0 {
		return fmt.Errorf("invalid ai.retry.base_delay_ms %d, expected >= 0", c.AI.Retry.BaseDelayMS)
	}
	if c.AI.Retry.BackoffFactor < 1 {
		return fmt.Errorf("invalid ai.retry.backoff_factor %v, expected >= 1", c.AI.Retry.BackoffFactor)
	}
	if c.AI.ProbeTimeoutMS < 0 {
		return fmt.Errorf("invalid ai.probe_timeout_ms %d", c.AI.ProbeTimeoutMS)
	}
	if c.Generation.TagCount < 1 || c.Generation.TagCount > models.MaxTagCount {
		return fmt.Errorf("invalid generation.tag_count %d, expected 1-%d", c.Generation.TagCount, models.MaxTagCount)
	}
	if !models.DescriptionStyle(c.Generation.DescriptionStyle).Valid() {
		return fmt.Errorf("invalid generation.description_style %q", c.Generation.DescriptionStyle)
	}
	if _, ok := models.ParseTagLanguage(c.Generation.TagLanguage); !ok {
		return fmt.Errorf("invalid generation.tag_language %q", c.Generation.TagLanguage)
	}
	if c.Image.MaxDimension < 64 {
		return fmt.Errorf("invalid image.max_dimension %d, expected >= 64", c.Image.MaxDimension)
	}
	if c.Image.JPEGQuality < 1 || c.Image.JPEGQuality > 100 {
		return fmt.Errorf("invalid image.jpeg_quality %d, expected 1-100", c.Image.JPEGQuality)
	}
	return nil
}
