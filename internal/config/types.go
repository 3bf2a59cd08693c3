package config

import (
	"strings"
	"time"

	"github.com/mx-space/imagetag/internal/models"
	"github.com/mx-space/imagetag/internal/pkg/retry"
)

// S3Config holds credentials for s3:// image and tag library references.
type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// Enabled reports whether static credentials are configured.
func (c S3Config) Enabled() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

type TagLibraryConfig struct {
	// Path is a file path, http(s) URL or s3://bucket/key reference.
	Path string `yaml:"path"`
	// RefreshMinutes re-reads the dataset periodically. Zero disables it.
	RefreshMinutes int `yaml:"refresh_minutes"`
}

// RefreshInterval returns the reload period, or zero when disabled.
func (c TagLibraryConfig) RefreshInterval() time.Duration {
	if c.RefreshMinutes <= 0 {
		return 0
	}
	return time.Duration(c.RefreshMinutes) * time.Minute
}

// ProviderSettings is the per-identity block under ai.providers.
type ProviderSettings struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type FailoverConfig struct {
	Enabled        bool                    `yaml:"enabled"`
	BackupProvider models.ProviderIdentity `yaml:"backup_provider"`
	// BackupAPIKey is only used when the backup is the cloud-native
	// provider.
	BackupAPIKey string `yaml:"backup_api_key"`
}

type RetryConfig struct {
	MaxAttempts   int     `yaml:"max_attempts"`
	BaseDelayMS   int     `yaml:"base_delay_ms"`
	BackoffFactor float64 `yaml:"backoff_factor"`
}

// AIConfig is the provider snapshot an orchestrator is built from.
type AIConfig struct {
	Provider       models.ProviderIdentity                      `yaml:"provider"`
	Providers      map[models.ProviderIdentity]ProviderSettings `yaml:"providers"`
	Failover       FailoverConfig                               `yaml:"failover"`
	Retry          RetryConfig                                  `yaml:"retry"`
	ProbeTimeoutMS int                                          `yaml:"probe_timeout_ms"`
}

// Endpoint resolves the connection settings for identity, filling base URL
// and model defaults.
func (c AIConfig) Endpoint(identity models.ProviderIdentity) models.ProviderEndpointConfig {
	s := c.Providers[identity]
	return models.ProviderEndpointConfig{
		Identity: identity,
		APIKey:   s.APIKey,
		BaseURL:  s.BaseURL,
		Model:    s.Model,
	}.WithDefaults()
}

// ActiveEndpoint is Endpoint for the active provider.
func (c AIConfig) ActiveEndpoint() models.ProviderEndpointConfig {
	return c.Endpoint(c.Provider)
}

// BackupEndpoint returns the backup provider settings and whether failover
// is configured at all. The dedicated backup key wins for the cloud-native
// identity; every other backup uses its own configured key.
func (c AIConfig) BackupEndpoint() (models.ProviderEndpointConfig, bool) {
	if !c.Failover.Enabled || c.Failover.BackupProvider == "" {
		return models.ProviderEndpointConfig{}, false
	}
	ep := c.Endpoint(c.Failover.BackupProvider)
	if ep.Identity.CloudNative() && c.Failover.BackupAPIKey != "" {
		ep.APIKey = c.Failover.BackupAPIKey
	}
	return ep, true
}

// RetryPolicy converts the retry block into a policy.
func (c AIConfig) RetryPolicy() retry.Policy {
	p := retry.Default()
	if c.Retry.MaxAttempts > 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.BaseDelayMS > 0 {
		p.BaseDelay = time.Duration(c.Retry.BaseDelayMS) * time.Millisecond
	}
	if c.Retry.BackoffFactor > 0 {
		p.Factor = c.Retry.BackoffFactor
	}
	return p
}

func (c AIConfig) ProbeTimeout() time.Duration {
	if c.ProbeTimeoutMS <= 0 {
		return defaultProbeTimeout
	}
	return time.Duration(c.ProbeTimeoutMS) * time.Millisecond
}

// GenerationConfig holds the default generation settings.
type GenerationConfig struct {
	TagCount         int    `yaml:"tag_count"`
	DescriptionStyle string `yaml:"description_style"`
	TagLanguage      string `yaml:"tag_language"`
	DeepReasoning    bool   `yaml:"deep_reasoning"`
}

// Settings returns the normalized settings.
func (c GenerationConfig) Settings() models.GenerationSettings {
	return models.GenerationSettings{
		TagCount:         c.TagCount,
		DescriptionStyle: models.DescriptionStyle(strings.ToLower(strings.TrimSpace(c.DescriptionStyle))),
		TagLanguage:      models.TagLanguage(strings.TrimSpace(c.TagLanguage)),
		DeepReasoning:    c.DeepReasoning,
	}.Normalize()
}

type ImageConfig struct {
	MaxDimension int `yaml:"max_dimension"`
	JPEGQuality  int `yaml:"jpeg_quality"`
}
