package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mx-space/imagetag/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
port: 8080
env: Production
allowed_origins: [" https://photos.example.com ", ""]
redis_url: localhost:6379/1
tag_library:
  path: tags.csv
ai:
  provider: OpenAI
  providers:
    openai:
      api_key: ${IMAGETAG_TEST_OPENAI_KEY}
      model: gpt-4o
    gemini:
      api_key: gem-$ecret
    ollama:
      base_url: http://10.0.0.5:11434/
  failover:
    enabled: true
    backup_provider: gemini
    backup_api_key: backup-key
  retry:
    max_attempts: 3
    base_delay_ms: 250
generation:
  tag_count: 12
  description_style: Marketing
  tag_language: zh-tw
image:
  max_dimension: 1024
`

func TestParseAppliesDefaultsAndEnv(t *testing.T) {
	t.Setenv("IMAGETAG_TEST_OPENAI_KEY", "sk-from-env")

	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, []string{"https://photos.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, "redis://localhost:6379/1", cfg.RedisURL)
	assert.Equal(t, defaultS3Region, cfg.S3.Region)
	assert.Equal(t, defaultJPEGQuality, cfg.Image.JPEGQuality)

	assert.Equal(t, models.ProviderOpenAI, cfg.AI.Provider)
	active := cfg.AI.ActiveEndpoint()
	assert.Equal(t, "sk-from-env", active.APIKey)
	assert.Equal(t, "gpt-4o", active.Model)
	assert.Equal(t, "https://api.openai.com/v1", active.BaseURL)

	assert.Equal(t, "gem-$ecret", cfg.AI.Endpoint(models.ProviderGemini).APIKey)
	assert.Equal(t, "http://10.0.0.5:11434", cfg.AI.Endpoint(models.ProviderOllama).BaseURL)

	policy := cfg.AI.RetryPolicy()
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, policy.BaseDelay)
	assert.Equal(t, 2.0, policy.Factor)
	assert.Equal(t, defaultProbeTimeout, cfg.AI.ProbeTimeout())

	settings := cfg.Generation.Settings()
	assert.Equal(t, 12, settings.TagCount)
	assert.Equal(t, models.StyleMarketing, settings.DescriptionStyle)
	assert.Equal(t, models.TagLanguageTraditional, settings.TagLanguage)
}

func TestBackupEndpointCredentials(t *testing.T) {
	ai := AIConfig{
		Provider: models.ProviderOpenAI,
		Providers: map[models.ProviderIdentity]ProviderSettings{
			models.ProviderGemini:    {APIKey: "gemini-own"},
			models.ProviderAnthropic: {APIKey: "anthropic-own"},
		},
	}

	_, ok := ai.BackupEndpoint()
	assert.False(t, ok, "failover disabled")

	ai.Failover = FailoverConfig{Enabled: true, BackupProvider: models.ProviderGemini, BackupAPIKey: "dedicated"}
	ep, ok := ai.BackupEndpoint()
	require.True(t, ok)
	assert.Equal(t, "dedicated", ep.APIKey)

	ai.Failover.BackupAPIKey = ""
	ep, _ = ai.BackupEndpoint()
	assert.Equal(t, "gemini-own", ep.APIKey)

	ai.Failover = FailoverConfig{Enabled: true, BackupProvider: models.ProviderAnthropic, BackupAPIKey: "dedicated"}
	ep, _ = ai.BackupEndpoint()
	assert.Equal(t, "anthropic-own", ep.APIKey, "dedicated key only applies to the cloud-native backup")
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown field", "colour: blue\n"},
		{"bad port", "port: 70000\n"},
		{"unknown provider", "ai:\n  provider: skynet\n"},
		{"unknown provider block", "ai:\n  providers:\n    skynet: {}\n"},
		{"failover without backup", "ai:\n  failover:\n    enabled: true\n"},
		{"bad style", "generation:\n  description_style: haiku\n"},
		{"bad language", "generation:\n  tag_language: klingon\n"},
		{"bad quality", "image:\n  jpeg_quality: 101\n"},
		{"too many attempts", "ai:\n  retry:\n    max_attempts: 50\n"},
		{"negative refresh", "tag_library:\n  refresh_minutes: -5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseEmptyDocumentUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, models.ProviderGemini, cfg.AI.Provider)
	assert.Equal(t, models.DefaultTagCount, cfg.Generation.TagCount)
}

func TestLoadResolvesTagLibraryAgainstConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("tag_library:\n  path: lib/tags.csv\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "lib", "tags.csv"), cfg.TagLibrary.Path)
	assert.Equal(t, path, cfg.Path)

	_, err = Load(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}

func TestResolveLocalPath(t *testing.T) {
	assert.Equal(t, "s3://bucket/tags.csv", ResolveLocalPath("s3://bucket/tags.csv", "/etc"))
	assert.Equal(t, "https://x/tags.csv", ResolveLocalPath("https://x/tags.csv", "/etc"))
	assert.Equal(t, "/abs/tags.csv", ResolveLocalPath("/abs/tags.csv", "/etc"))
	assert.Equal(t, "/etc/tags.csv", ResolveLocalPath("tags.csv", "/etc"))
	assert.Equal(t, "", ResolveLocalPath("  ", "/etc"))
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("IMAGETAG_TEST_DOTENV=from-file\n"), 0o600))
	t.Setenv("IMAGETAG_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("IMAGETAG_TEST_DOTENV"))

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "from-file", os.Getenv("IMAGETAG_TEST_DOTENV"))
	assert.NoError(t, LoadEnvFile(filepath.Join(dir, "absent.env")))
}
