// Package config provides configuration loading from an optional TOML file
// and environment variables. Environment variables override file values.
package config

import (
	"fmt"
	"time"

	"docpipe/internal/apperrors"
	"docpipe/internal/workflow"
)

// ServiceConfig holds configuration for the workflow service.
type ServiceConfig struct {
	Server    ServerConfig
	Provider  ProviderConfig
	Store     StoreConfig
	Execution ExecutionConfig
	Listener  ListenerConfig
	Notifier  NotifierConfig
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port              string
	MetricsPort       string
	APIKeyFile        string
	APIKey            string        // resolved from APIKeyFile
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
}

// ProviderConfig selects and tunes the document-analysis backend.
type ProviderConfig struct {
	Driver         string // "http" or "docker"
	BaseURL        string
	APIKeyFile     string
	APIKey         string
	RequestsPerSec float64
	Burst          int
	RequestTimeout time.Duration
	CallbackURL    string // where completion notifications are delivered

	// Docker driver settings.
	AnalyzerImage    string   // image run per job
	ExtraHosts       []string // host:ip entries added to analyzer containers
	AnalyzerCPUs     float64
	AnalyzerMemoryMB int
}

// StoreConfig selects the correlation store backend.
type StoreConfig struct {
	Driver        string // "memory" or "sqlite"
	Path          string
	RecordTTL     time.Duration
	SweepInterval time.Duration
}

// ExecutionConfig holds the per-execution defaults applied when a start
// request leaves them unset.
type ExecutionConfig struct {
	DefaultMode          string
	RetryMaxAttempts     int
	RetryInitialInterval time.Duration
	RetryBackoffRate     float64
	SuspensionTimeout    time.Duration
	RetentionPeriod      time.Duration
	PollInterval         time.Duration
	AugmentPayload       bool
	InputKind            string // "document" or "payload"
}

// ListenerConfig tunes the completion listener's record lookup retry.
type ListenerConfig struct {
	LookupAttempts    int
	LookupInterval    time.Duration
	LookupBackoffRate float64
}

// NotifierConfig tunes outbound workflow-event callback delivery.
type NotifierConfig struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
	MaxAttempts int
	SecretFile  string
	Secret      string
}

// Default returns the built-in configuration. Every field is valid so the
// service can start with no file and no environment set.
func Default() *ServiceConfig {
	return &ServiceConfig{
		Server: ServerConfig{
			Port:              "8080",
			MetricsPort:       "9090",
			ShutdownDrainWait: 5 * time.Second,
		},
		Provider: ProviderConfig{
			Driver:         "http",
			BaseURL:        "http://localhost:8480",
			RequestsPerSec: 10,
			Burst:          20,
			RequestTimeout: 30 * time.Second,
			CallbackURL:    "http://localhost:8080/v1/completions",
		},
		Store: StoreConfig{
			Driver:        "memory",
			Path:          "docpipe.db",
			RecordTTL:     96 * time.Hour,
			SweepInterval: time.Minute,
		},
		Execution: ExecutionConfig{
			DefaultMode:          string(workflow.ModeCallback),
			RetryMaxAttempts:     3,
			RetryInitialInterval: time.Second,
			RetryBackoffRate:     2.0,
			SuspensionTimeout:    72 * time.Hour,
			RetentionPeriod:      24 * time.Hour,
			PollInterval:         5 * time.Second,
			InputKind:            "document",
		},
		Listener: ListenerConfig{
			LookupAttempts:    4,
			LookupInterval:    50 * time.Millisecond,
			LookupBackoffRate: 2.0,
		},
		Notifier: NotifierConfig{
			Workers:     4,
			QueueSize:   256,
			SendTimeout: 10 * time.Second,
			MaxAttempts: 3,
		},
	}
}

// LoadServiceConfig builds the service configuration: defaults, then the
// TOML file named by CONFIG_FILE (if any), then environment overrides.
func LoadServiceConfig() (*ServiceConfig, error) {
	cfg := Default()
	if path := GetEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.resolveSecrets()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServiceConfig) applyEnv() {
	c.Server.Port = GetEnv("PORT", c.Server.Port)
	c.Server.MetricsPort = GetEnv("METRICS_PORT", c.Server.MetricsPort)
	c.Server.APIKeyFile = GetEnv("API_KEY_FILE", c.Server.APIKeyFile)
	c.Server.ShutdownDrainWait = GetDurationEnv("SHUTDOWN_DRAIN_WAIT", c.Server.ShutdownDrainWait)

	c.Provider.Driver = GetEnv("PROVIDER_DRIVER", c.Provider.Driver)
	c.Provider.BaseURL = GetEnv("PROVIDER_URL", c.Provider.BaseURL)
	c.Provider.APIKeyFile = GetEnv("PROVIDER_API_KEY_FILE", c.Provider.APIKeyFile)
	c.Provider.RequestsPerSec = GetFloatEnv("PROVIDER_RPS", c.Provider.RequestsPerSec)
	c.Provider.Burst = GetIntEnv("PROVIDER_BURST", c.Provider.Burst)
	c.Provider.RequestTimeout = GetDurationEnv("PROVIDER_TIMEOUT", c.Provider.RequestTimeout)
	c.Provider.CallbackURL = GetEnv("CALLBACK_URL", c.Provider.CallbackURL)
	c.Provider.AnalyzerImage = GetEnv("ANALYZER_IMAGE", c.Provider.AnalyzerImage)
	c.Provider.ExtraHosts = GetListEnv("ANALYZER_EXTRA_HOSTS", c.Provider.ExtraHosts)
	c.Provider.AnalyzerCPUs = GetFloatEnv("ANALYZER_CPUS", c.Provider.AnalyzerCPUs)
	c.Provider.AnalyzerMemoryMB = GetIntEnv("ANALYZER_MEMORY_MB", c.Provider.AnalyzerMemoryMB)

	c.Store.Driver = GetEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.Path = GetEnv("STORE_PATH", c.Store.Path)
	c.Store.RecordTTL = GetDurationEnv("RECORD_TTL", c.Store.RecordTTL)
	c.Store.SweepInterval = GetDurationEnv("SWEEP_INTERVAL", c.Store.SweepInterval)

	c.Execution.DefaultMode = GetEnv("DEFAULT_MODE", c.Execution.DefaultMode)
	c.Execution.RetryMaxAttempts = GetIntEnv("RETRY_MAX_ATTEMPTS", c.Execution.RetryMaxAttempts)
	c.Execution.RetryInitialInterval = GetDurationEnv("RETRY_INITIAL_INTERVAL", c.Execution.RetryInitialInterval)
	c.Execution.RetryBackoffRate = GetFloatEnv("RETRY_BACKOFF_RATE", c.Execution.RetryBackoffRate)
	c.Execution.SuspensionTimeout = GetDurationEnv("SUSPENSION_TIMEOUT", c.Execution.SuspensionTimeout)
	c.Execution.RetentionPeriod = GetDurationEnv("RETENTION_PERIOD", c.Execution.RetentionPeriod)
	c.Execution.PollInterval = GetDurationEnv("POLL_INTERVAL", c.Execution.PollInterval)
	c.Execution.AugmentPayload = GetBoolEnv("AUGMENT_PAYLOAD", c.Execution.AugmentPayload)
	c.Execution.InputKind = GetEnv("INPUT_KIND", c.Execution.InputKind)

	c.Listener.LookupAttempts = GetIntEnv("LOOKUP_RETRY_ATTEMPTS", c.Listener.LookupAttempts)
	c.Listener.LookupInterval = GetDurationEnv("LOOKUP_RETRY_INTERVAL", c.Listener.LookupInterval)
	c.Listener.LookupBackoffRate = GetFloatEnv("LOOKUP_BACKOFF_RATE", c.Listener.LookupBackoffRate)

	c.Notifier.Workers = GetIntEnv("NOTIFY_WORKERS", c.Notifier.Workers)
	c.Notifier.QueueSize = GetIntEnv("NOTIFY_QUEUE_SIZE", c.Notifier.QueueSize)
	c.Notifier.SendTimeout = GetDurationEnv("NOTIFY_SEND_TIMEOUT", c.Notifier.SendTimeout)
	c.Notifier.MaxAttempts = GetIntEnv("NOTIFY_MAX_ATTEMPTS", c.Notifier.MaxAttempts)
	c.Notifier.SecretFile = GetEnv("NOTIFY_SECRET_FILE", c.Notifier.SecretFile)
}

func (c *ServiceConfig) resolveSecrets() {
	c.Server.APIKey = GetSecretFile(c.Server.APIKeyFile)
	c.Provider.APIKey = GetSecretFile(c.Provider.APIKeyFile)
	c.Notifier.Secret = GetSecretFile(c.Notifier.SecretFile)
}

// Validate enforces configuration-time invariants. Rules that depend only on
// configuration are rejected here so they never surface as runtime failures.
func (c *ServiceConfig) Validate() error {
	switch c.Provider.Driver {
	case "http":
		if c.Provider.BaseURL == "" {
			return apperrors.Validation("provider.base_url", "base URL is required for the http provider")
		}
	case "docker":
		if c.Provider.AnalyzerImage == "" {
			return apperrors.Validation("provider.analyzer_image", "analyzer image is required for the docker provider")
		}
		if c.Provider.AnalyzerCPUs < 0 {
			return apperrors.Validation("provider.analyzer_cpus", "analyzer CPU limit must not be negative")
		}
		if c.Provider.AnalyzerMemoryMB < 0 {
			return apperrors.Validation("provider.analyzer_memory_mb", "analyzer memory limit must not be negative")
		}
	default:
		return apperrors.Validation("provider.driver", fmt.Sprintf("unknown provider driver %q", c.Provider.Driver))
	}
	if c.Provider.RequestsPerSec <= 0 {
		return apperrors.Validation("provider.requests_per_sec", "requests per second must be positive")
	}
	if c.Provider.Burst < 1 {
		return apperrors.Validation("provider.burst", "burst must be at least 1")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return apperrors.Validation("store.path", "path is required for the sqlite store")
		}
	default:
		return apperrors.Validation("store.driver", fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}
	if c.Store.RecordTTL <= 0 {
		return apperrors.Validation("store.record_ttl", "record TTL must be positive")
	}
	if c.Store.SweepInterval <= 0 {
		return apperrors.Validation("store.sweep_interval", "sweep interval must be positive")
	}

	if _, err := workflow.ParseMode(c.Execution.DefaultMode); err != nil {
		return err
	}
	if c.Execution.RetryMaxAttempts < 1 {
		return apperrors.Validation("execution.retry_max_attempts", "retry max attempts must be at least 1")
	}
	if c.Execution.RetryInitialInterval <= 0 {
		return apperrors.Validation("execution.retry_initial_interval", "retry initial interval must be positive")
	}
	if c.Execution.RetryBackoffRate < 1 {
		return apperrors.Validation("execution.retry_backoff_rate", "retry backoff rate must be at least 1.0")
	}
	if c.Execution.SuspensionTimeout <= 0 {
		return apperrors.Validation("execution.suspension_timeout", "suspension timeout must be positive")
	}
	if c.Execution.RetentionPeriod <= 0 {
		return apperrors.Validation("execution.retention_period", "retention period must be positive")
	}
	if c.Execution.PollInterval <= 0 {
		return apperrors.Validation("execution.poll_interval", "poll interval must be positive")
	}
	switch c.Execution.InputKind {
	case "document", "payload":
	default:
		return apperrors.Validation("execution.input_kind", fmt.Sprintf("unknown input kind %q", c.Execution.InputKind))
	}
	if c.Execution.AugmentPayload && c.Execution.InputKind != "payload" {
		return apperrors.Validation("execution.augment_payload",
			"payload augmentation requires structured payload input, not a document location")
	}

	if c.Listener.LookupAttempts < 1 {
		return apperrors.Validation("listener.lookup_attempts", "lookup attempts must be at least 1")
	}
	if c.Listener.LookupInterval <= 0 {
		return apperrors.Validation("listener.lookup_interval", "lookup interval must be positive")
	}
	if c.Listener.LookupBackoffRate < 1 {
		return apperrors.Validation("listener.lookup_backoff_rate", "lookup backoff rate must be at least 1.0")
	}

	if c.Notifier.Workers < 1 {
		return apperrors.Validation("notifier.workers", "workers must be at least 1")
	}
	if c.Notifier.QueueSize < 1 {
		return apperrors.Validation("notifier.queue_size", "queue size must be at least 1")
	}
	if c.Notifier.MaxAttempts < 1 {
		return apperrors.Validation("notifier.max_attempts", "max attempts must be at least 1")
	}
	return nil
}
