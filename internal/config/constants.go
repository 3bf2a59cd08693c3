package config

import "time"

const (
	// DefaultConfigPath is used when --config is not provided.
	DefaultConfigPath = "config.yml"
	// DefaultEnvFile is loaded into the environment before the YAML is read.
	DefaultEnvFile = ".env"

	defaultPort               = 2333
	defaultEnv                = "development"
	defaultProvider           = "gemini"
	defaultRetryAttempts      = 4
	defaultRetryBaseDelayMS   = 1000
	defaultRetryBackoffFactor = 2.0
	defaultProbeTimeout       = 10 * time.Second
	defaultS3Region           = "us-east-1"
	defaultMaxDimension       = 2048
	defaultJPEGQuality        = 85
	maxRetryAttempts          = 10
)
