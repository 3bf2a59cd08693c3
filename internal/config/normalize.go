package config

import "strings"

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(env string) string {
	trimmed := strings.ToLower(strings.TrimSpace(env))
	if trimmed == "" {
		return defaultEnv
	}
	return trimmed
}

func normalizeRedisRawURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "redis://") || strings.HasPrefix(trimmed, "rediss://") {
		return trimmed
	}
	return "redis://" + trimmed
}

func normalizeS3Config(raw, fallback S3Config) S3Config {
	cfg := S3Config{
		Endpoint:        strings.TrimRight(strings.TrimSpace(raw.Endpoint), "/"),
		Region:          strings.TrimSpace(raw.Region),
		AccessKeyID:     strings.TrimSpace(raw.AccessKeyID),
		SecretAccessKey: strings.TrimSpace(raw.SecretAccessKey),
		UsePathStyle:    raw.UsePathStyle,
	}
	if cfg.Region == "" {
		cfg.Region = fallback.Region
	}
	return cfg
}

func normalizeProviderSettings(s ProviderSettings) ProviderSettings {
	return ProviderSettings{
		APIKey:  strings.TrimSpace(s.APIKey),
		BaseURL: strings.TrimRight(strings.TrimSpace(s.BaseURL), "/"),
		Model:   strings.TrimSpace(s.Model),
	}
}
