// Package config resolves the effective credentials and timing policy for an
// invocation from three layered sources: an explicit per-call override, the
// process environment, and a local .env file. Each field is resolved
// atomically through its own priority chain, so the base URL and the API key
// may legitimately come from different sources.
package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/runninghub/openapi-go/apierrors"
)

// DefaultBaseURL is the production OpenAPI v2 base URL, used when no source
// supplies one.
const DefaultBaseURL = "https://www.runninghub.cn/openapi/v2"

// Default timing policy applied when neither env nor file set the RH_API_*
// values.
const (
	DefaultSubmitTimeout = 60 * time.Second
	DefaultUploadTimeout = 60 * time.Second
	DefaultPollInterval  = 5 * time.Second
	DefaultMaxPollTime   = 10 * time.Minute
)

// Credentials is the effective base URL and API key for one invocation.
type Credentials struct {
	BaseURL string
	APIKey  string
}

// Override carries explicit per-invocation values. Empty fields defer to the
// lower-priority sources.
type Override struct {
	BaseURL string
	APIKey  string
}

// Resolved is the full per-invocation configuration.
type Resolved struct {
	Credentials

	SubmitTimeout time.Duration
	UploadTimeout time.Duration
	PollInterval  time.Duration
	MaxPollTime   time.Duration
}

// envSettings is the process-environment layer.
type envSettings struct {
	BaseURL       string        `env:"RH_API_BASE_URL"`
	APIKey        string        `env:"RH_API_KEY"`
	SubmitTimeout time.Duration `env:"RH_API_TIMEOUT"`
	PollInterval  time.Duration `env:"RH_API_POLLING_INTERVAL"`
	MaxPollTime   time.Duration `env:"RH_API_MAX_POLLING_TIME"`
	UploadTimeout time.Duration `env:"RH_UPLOAD_TIMEOUT"`
}

// Resolver resolves configuration. The zero value reads the process
// environment and no file.
type Resolver struct {
	// EnvFile is the path of the .env file forming the lowest-priority
	// source. Missing files are not an error.
	EnvFile string
}

// Resolve determines the effective configuration for one invocation.
// It fails with a CONFIG error when no source yields a non-empty API key.
// Resolution reads external state but mutates nothing, and is deterministic
// for a given environment snapshot.
func (r *Resolver) Resolve(override *Override) (*Resolved, error) {
	fromEnv := envSettings{}
	if err := env.Parse(&fromEnv); err != nil {
		return nil, apierrors.Wrap(apierrors.KindConfig, "parse environment configuration", err)
	}

	fromFile := map[string]string{}
	if r != nil && r.EnvFile != "" {
		if parsed, err := godotenv.Read(r.EnvFile); err == nil {
			fromFile = parsed
		}
	}

	resolved := &Resolved{
		SubmitTimeout: pickDuration(fromEnv.SubmitTimeout, fromFile["RH_API_TIMEOUT"], DefaultSubmitTimeout),
		UploadTimeout: pickDuration(fromEnv.UploadTimeout, fromFile["RH_UPLOAD_TIMEOUT"], DefaultUploadTimeout),
		PollInterval:  pickDuration(fromEnv.PollInterval, fromFile["RH_API_POLLING_INTERVAL"], DefaultPollInterval),
		MaxPollTime:   pickDuration(fromEnv.MaxPollTime, fromFile["RH_API_MAX_POLLING_TIME"], DefaultMaxPollTime),
	}

	var overrideBaseURL, overrideAPIKey string
	if override != nil {
		overrideBaseURL = override.BaseURL
		overrideAPIKey = override.APIKey
	}

	resolved.BaseURL = pickString(overrideBaseURL, fromEnv.BaseURL, fromFile["RH_API_BASE_URL"])
	if resolved.BaseURL == "" {
		resolved.BaseURL = DefaultBaseURL
	}
	resolved.BaseURL = strings.TrimSuffix(resolved.BaseURL, "/")

	resolved.APIKey = pickString(overrideAPIKey, fromEnv.APIKey, fromFile["RH_API_KEY"])
	if resolved.APIKey == "" {
		return nil, apierrors.New(apierrors.KindConfig,
			"API key is required: set RH_API_KEY in the environment or .env file, or pass a per-call override")
	}

	return resolved, nil
}

// pickString returns the first non-empty candidate, highest priority first.
func pickString(candidates ...string) string {
	for _, c := range candidates {
		if v := strings.TrimSpace(c); v != "" {
			return v
		}
	}
	return ""
}

// pickDuration layers env over file over the built-in default. File values
// are parsed as Go durations, matching the env layer.
func pickDuration(fromEnv time.Duration, fromFile string, fallback time.Duration) time.Duration {
	if fromEnv > 0 {
		return fromEnv
	}
	if fromFile != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(fromFile)); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
