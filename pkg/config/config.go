// Package config loads registry configuration. Values come from an
// optional YAML file overlaid by BUTLER_* environment variables; the
// environment always wins. Every field has a usable development default.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full registry configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Redis     RedisConfig     `yaml:"redis"`
	HelmCache HelmCacheConfig `yaml:"helmIndexCache"`
	Storage   StorageConfig   `yaml:"storage"`
	Webhooks  WebhookConfig   `yaml:"webhooks"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	// ButlerURL is the externally reachable base URL, used in dispatch
	// payloads and helm index download links.
	ButlerURL string `yaml:"butlerUrl"`
}

type DatabaseConfig struct {
	// URL selects the backend by scheme: postgres:// uses lib/pq,
	// anything else is treated as a sqlite DSN.
	URL string `yaml:"url"`
}

type DispatchConfig struct {
	Enabled                    bool   `yaml:"enabled"`
	PeaaSOwner                 string `yaml:"peaasOwner"`
	PeaaSRepo                  string `yaml:"peaasRepo"`
	GitHubAPIBase              string `yaml:"githubApiBase"`
	GitHubToken                string `yaml:"githubToken"`
	GitHubAppID                string `yaml:"githubAppId"`
	GitHubAppInstallationID    string `yaml:"githubAppInstallationId"`
	GitHubAppPrivateKeyFile    string `yaml:"githubAppPrivateKeyFile"`
	MaxConcurrentRuns          int    `yaml:"maxConcurrentRuns"`
	TimeoutSeconds             int    `yaml:"timeoutSeconds"`
	ConfirmationTimeoutSeconds int    `yaml:"confirmationTimeoutSeconds"`
}

// RunTimeout returns the per-run wall clock as a duration.
func (d DispatchConfig) RunTimeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// ConfirmationTimeout returns the planned-state expiration as a duration.
func (d DispatchConfig) ConfirmationTimeout() time.Duration {
	return time.Duration(d.ConfirmationTimeoutSeconds) * time.Second
}

type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

type RedisConfig struct {
	// Addr switches the rate limiter to the Redis backend when set.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

type HelmCacheConfig struct {
	TTLSeconds int `yaml:"ttlSeconds"`
}

// TTL returns the cache TTL as a duration.
func (h HelmCacheConfig) TTL() time.Duration {
	return time.Duration(h.TTLSeconds) * time.Second
}

type StorageConfig struct {
	// Dir is the default filesystem blob root. Per-artifact storage
	// configs can still select s3 or gcs backends.
	Dir string `yaml:"dir"`
}

type WebhookConfig struct {
	GitHubSecret    string `yaml:"githubSecret"`
	GitLabSecret    string `yaml:"gitlabSecret"`
	BitbucketSecret string `yaml:"bitbucketSecret"`
}

// Secrets returns the provider-to-secret map the webhook handler expects.
// Providers without a configured secret are absent, which rejects their
// deliveries.
func (w WebhookConfig) Secrets() map[string]string {
	m := make(map[string]string)
	if w.GitHubSecret != "" {
		m["github"] = w.GitHubSecret
	}
	if w.GitLabSecret != "" {
		m["gitlab"] = w.GitLabSecret
	}
	if w.BitbucketSecret != "" {
		m["bitbucket"] = w.BitbucketSecret
	}
	return m
}

type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlpEndpoint"`
}

// Default returns the development defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      "8080",
			LogLevel:  "info",
			ButlerURL: "http://localhost:8080",
		},
		Database: DatabaseConfig{URL: "file:butler.db"},
		Dispatch: DispatchConfig{
			MaxConcurrentRuns:          10,
			TimeoutSeconds:             1800,
			ConfirmationTimeoutSeconds: 1800,
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 120, BurstSize: 30},
		HelmCache: HelmCacheConfig{TTLSeconds: 30},
		Storage:   StorageConfig{Dir: "data/blobs"},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// BUTLER_CONFIG_FILE when set, then the environment.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("BUTLER_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadEnv()
	return cfg, nil
}

func (c *Config) loadEnv() {
	envStr(&c.Server.Port, "BUTLER_PORT")
	envStr(&c.Server.LogLevel, "BUTLER_LOG_LEVEL")
	envStr(&c.Server.ButlerURL, "BUTLER_URL")
	envStr(&c.Database.URL, "BUTLER_DATABASE_URL")

	envBool(&c.Dispatch.Enabled, "BUTLER_DISPATCH_ENABLED")
	envStr(&c.Dispatch.PeaaSOwner, "BUTLER_DISPATCH_PEAAS_OWNER")
	envStr(&c.Dispatch.PeaaSRepo, "BUTLER_DISPATCH_PEAAS_REPO")
	envStr(&c.Dispatch.GitHubAPIBase, "BUTLER_DISPATCH_GITHUB_API_BASE")
	envStr(&c.Dispatch.GitHubToken, "BUTLER_DISPATCH_GITHUB_TOKEN")
	envStr(&c.Dispatch.GitHubAppID, "BUTLER_DISPATCH_GITHUB_APP_ID")
	envStr(&c.Dispatch.GitHubAppInstallationID, "BUTLER_DISPATCH_GITHUB_APP_INSTALLATION_ID")
	envStr(&c.Dispatch.GitHubAppPrivateKeyFile, "BUTLER_DISPATCH_GITHUB_APP_PRIVATE_KEY_FILE")
	envInt(&c.Dispatch.MaxConcurrentRuns, "BUTLER_DISPATCH_MAX_CONCURRENT_RUNS")
	envInt(&c.Dispatch.TimeoutSeconds, "BUTLER_DISPATCH_TIMEOUT_SECONDS")
	envInt(&c.Dispatch.ConfirmationTimeoutSeconds, "BUTLER_DISPATCH_CONFIRMATION_TIMEOUT_SECONDS")

	envInt(&c.RateLimit.RequestsPerMinute, "BUTLER_RATE_LIMIT_REQUESTS_PER_MINUTE")
	envInt(&c.RateLimit.BurstSize, "BUTLER_RATE_LIMIT_BURST_SIZE")
	envStr(&c.Redis.Addr, "BUTLER_REDIS_ADDR")
	envStr(&c.Redis.Password, "BUTLER_REDIS_PASSWORD")
	envInt(&c.HelmCache.TTLSeconds, "BUTLER_HELM_INDEX_CACHE_TTL_SECONDS")
	envStr(&c.Storage.Dir, "BUTLER_STORAGE_DIR")

	envStr(&c.Webhooks.GitHubSecret, "BUTLER_WEBHOOK_SECRET_GITHUB")
	envStr(&c.Webhooks.GitLabSecret, "BUTLER_WEBHOOK_SECRET_GITLAB")
	envStr(&c.Webhooks.BitbucketSecret, "BUTLER_WEBHOOK_SECRET_BITBUCKET")

	envBool(&c.Tracing.Enabled, "BUTLER_TRACING_ENABLED")
	envStr(&c.Tracing.OTLPEndpoint, "BUTLER_TRACING_OTLP_ENDPOINT")
}

func envStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
