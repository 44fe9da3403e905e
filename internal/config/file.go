package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"docpipe/internal/apperrors"
)

// duration accepts Go duration strings ("90s", "24h") as TOML values.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// fileValues mirrors ServiceConfig for TOML decoding. Absent keys decode to
// zero values and are skipped by apply, so the file only overrides what it
// names. Booleans are pointers so "false" in the file is distinguishable
// from absent.
type fileValues struct {
	Server struct {
		Port              string   `toml:"port"`
		MetricsPort       string   `toml:"metrics_port"`
		APIKeyFile        string   `toml:"api_key_file"`
		ShutdownDrainWait duration `toml:"shutdown_drain_wait"`
	} `toml:"server"`
	Provider struct {
		Driver           string   `toml:"driver"`
		BaseURL          string   `toml:"base_url"`
		APIKeyFile       string   `toml:"api_key_file"`
		RequestsPerSec   float64  `toml:"requests_per_sec"`
		Burst            int      `toml:"burst"`
		RequestTimeout   duration `toml:"request_timeout"`
		CallbackURL      string   `toml:"callback_url"`
		AnalyzerImage    string   `toml:"analyzer_image"`
		ExtraHosts       []string `toml:"extra_hosts"`
		AnalyzerCPUs     float64  `toml:"analyzer_cpus"`
		AnalyzerMemoryMB int      `toml:"analyzer_memory_mb"`
	} `toml:"provider"`
	Store struct {
		Driver        string   `toml:"driver"`
		Path          string   `toml:"path"`
		RecordTTL     duration `toml:"record_ttl"`
		SweepInterval duration `toml:"sweep_interval"`
	} `toml:"store"`
	Execution struct {
		DefaultMode          string   `toml:"default_mode"`
		RetryMaxAttempts     int      `toml:"retry_max_attempts"`
		RetryInitialInterval duration `toml:"retry_initial_interval"`
		RetryBackoffRate     float64  `toml:"retry_backoff_rate"`
		SuspensionTimeout    duration `toml:"suspension_timeout"`
		RetentionPeriod      duration `toml:"retention_period"`
		PollInterval         duration `toml:"poll_interval"`
		AugmentPayload       *bool    `toml:"augment_payload"`
		InputKind            string   `toml:"input_kind"`
	} `toml:"execution"`
	Listener struct {
		LookupAttempts    int      `toml:"lookup_attempts"`
		LookupInterval    duration `toml:"lookup_interval"`
		LookupBackoffRate float64  `toml:"lookup_backoff_rate"`
	} `toml:"listener"`
	Notifier struct {
		Workers     int      `toml:"workers"`
		QueueSize   int      `toml:"queue_size"`
		SendTimeout duration `toml:"send_timeout"`
		MaxAttempts int      `toml:"max_attempts"`
		SecretFile  string   `toml:"secret_file"`
	} `toml:"notifier"`
}

// LoadFile overlays values from a TOML file onto the configuration.
func (c *ServiceConfig) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.Validation("config_file", fmt.Sprintf("read %s: %v", path, err))
	}
	var fv fileValues
	if err := toml.Unmarshal(data, &fv); err != nil {
		return apperrors.Validation("config_file", fmt.Sprintf("parse %s: %v", path, err))
	}
	fv.apply(c)
	return nil
}

func (fv *fileValues) apply(c *ServiceConfig) {
	setString(&c.Server.Port, fv.Server.Port)
	setString(&c.Server.MetricsPort, fv.Server.MetricsPort)
	setString(&c.Server.APIKeyFile, fv.Server.APIKeyFile)
	setDuration(&c.Server.ShutdownDrainWait, fv.Server.ShutdownDrainWait)

	setString(&c.Provider.Driver, fv.Provider.Driver)
	setString(&c.Provider.BaseURL, fv.Provider.BaseURL)
	setString(&c.Provider.APIKeyFile, fv.Provider.APIKeyFile)
	setFloat(&c.Provider.RequestsPerSec, fv.Provider.RequestsPerSec)
	setInt(&c.Provider.Burst, fv.Provider.Burst)
	setDuration(&c.Provider.RequestTimeout, fv.Provider.RequestTimeout)
	setString(&c.Provider.CallbackURL, fv.Provider.CallbackURL)
	setString(&c.Provider.AnalyzerImage, fv.Provider.AnalyzerImage)
	if len(fv.Provider.ExtraHosts) > 0 {
		c.Provider.ExtraHosts = fv.Provider.ExtraHosts
	}
	setFloat(&c.Provider.AnalyzerCPUs, fv.Provider.AnalyzerCPUs)
	setInt(&c.Provider.AnalyzerMemoryMB, fv.Provider.AnalyzerMemoryMB)

	setString(&c.Store.Driver, fv.Store.Driver)
	setString(&c.Store.Path, fv.Store.Path)
	setDuration(&c.Store.RecordTTL, fv.Store.RecordTTL)
	setDuration(&c.Store.SweepInterval, fv.Store.SweepInterval)

	setString(&c.Execution.DefaultMode, fv.Execution.DefaultMode)
	setInt(&c.Execution.RetryMaxAttempts, fv.Execution.RetryMaxAttempts)
	setDuration(&c.Execution.RetryInitialInterval, fv.Execution.RetryInitialInterval)
	setFloat(&c.Execution.RetryBackoffRate, fv.Execution.RetryBackoffRate)
	setDuration(&c.Execution.SuspensionTimeout, fv.Execution.SuspensionTimeout)
	setDuration(&c.Execution.RetentionPeriod, fv.Execution.RetentionPeriod)
	setDuration(&c.Execution.PollInterval, fv.Execution.PollInterval)
	if fv.Execution.AugmentPayload != nil {
		c.Execution.AugmentPayload = *fv.Execution.AugmentPayload
	}
	setString(&c.Execution.InputKind, fv.Execution.InputKind)

	setInt(&c.Listener.LookupAttempts, fv.Listener.LookupAttempts)
	setDuration(&c.Listener.LookupInterval, fv.Listener.LookupInterval)
	setFloat(&c.Listener.LookupBackoffRate, fv.Listener.LookupBackoffRate)

	setInt(&c.Notifier.Workers, fv.Notifier.Workers)
	setInt(&c.Notifier.QueueSize, fv.Notifier.QueueSize)
	setDuration(&c.Notifier.SendTimeout, fv.Notifier.SendTimeout)
	setInt(&c.Notifier.MaxAttempts, fv.Notifier.MaxAttempts)
	setString(&c.Notifier.SecretFile, fv.Notifier.SecretFile)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}
