package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/breeze-rmm/drivermgr/internal/httputil"
)

type Config struct {
	RepositoryURL   string `mapstructure:"repository_url"`
	RepositoryIndex string `mapstructure:"repository_index"`
	AuthToken       string `mapstructure:"auth_token"`
	CacheDir        string `mapstructure:"cache_dir"`
	JournalPath     string `mapstructure:"journal_path"`
	// DeviceCatalog is a YAML device list used instead of sysfs when set.
	DeviceCatalog string `mapstructure:"device_catalog"`

	MaxConcurrentDownloads int `mapstructure:"max_concurrent_downloads"`
	MaxConcurrentInstalls  int `mapstructure:"max_concurrent_installs"`
	InstallQueueSize       int `mapstructure:"install_queue_size"`

	RetryMaxAttempts    int     `mapstructure:"retry_max_attempts"`
	RetryInitialDelayMs int     `mapstructure:"retry_initial_delay_ms"`
	RetryMaxDelayMs     int     `mapstructure:"retry_max_delay_ms"`
	RetryBackoffFactor  float64 `mapstructure:"retry_backoff_factor"`
	RetryJitter         float64 `mapstructure:"retry_jitter"`

	ChunkSizeKB        int  `mapstructure:"chunk_size_kb"`
	ProgressIntervalMs int  `mapstructure:"progress_interval_ms"`
	ResolveTTLSeconds  int  `mapstructure:"resolve_ttl_seconds"`
	RequireSignature   bool `mapstructure:"require_signature"`

	// Installer selects the backend: "dpkg" (dpkg/insmod/modprobe) or "exec"
	// (InstallCommand/UninstallCommand templates).
	Installer        string `mapstructure:"installer"`
	InstallCommand   string `mapstructure:"install_command"`
	UninstallCommand string `mapstructure:"uninstall_command"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`

	ListenAddr string `mapstructure:"listen_addr"`
	// APIToken, when set, is required as a bearer token on mutating API calls.
	APIToken string `mapstructure:"api_token"`
	// HTTPTimeoutSeconds bounds both the wait for response headers and any
	// stall while reading a package body.
	HTTPTimeoutSeconds int `mapstructure:"http_timeout_seconds"`

	S3Region           string `mapstructure:"s3_region"`
	S3Endpoint         string `mapstructure:"s3_endpoint"`
	S3AccessKeyID      string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey  string `mapstructure:"s3_secret_access_key"`
	GCSCredentialsFile string `mapstructure:"gcs_credentials_file"`
	AzureAccountURL    string `mapstructure:"azure_account_url"`
	B2AccountID        string `mapstructure:"b2_account_id"`
	B2ApplicationKey   string `mapstructure:"b2_application_key"`
}

func Default() *Config {
	return &Config{
		CacheDir:               filepath.Join(dataDir(), "cache"),
		JournalPath:            filepath.Join(dataDir(), "journal.db"),
		MaxConcurrentDownloads: 3,
		MaxConcurrentInstalls:  2,
		InstallQueueSize:       64,
		RetryMaxAttempts:       3,
		RetryInitialDelayMs:    500,
		RetryMaxDelayMs:        30000,
		RetryBackoffFactor:     2.0,
		RetryJitter:            0.2,
		ChunkSizeKB:            64,
		ProgressIntervalMs:     250,
		ResolveTTLSeconds:      300,
		RequireSignature:       true,
		Installer:              "dpkg",
		LogLevel:               "info",
		LogFormat:              "text",
		LogMaxSizeMB:           20,
		LogMaxBackups:          3,
		ListenAddr:             "127.0.0.1:8787",
		HTTPTimeoutSeconds:     30,
	}
}

// Load reads cfgFile (or drivers.yaml from the config dir) and overlays
// BREEZE_DRIVERS_* environment variables on top of Default().
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := newViper(cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("drivers")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newViper registers every field's default so AutomaticEnv can override
// keys that are absent from the file.
func newViper(defaults *Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("BREEZE_DRIVERS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, val := range defaults.settings() {
		v.SetDefault(key, val)
	}
	return v
}

func (c *Config) settings() map[string]any {
	return map[string]any{
		"repository_url":           c.RepositoryURL,
		"repository_index":         c.RepositoryIndex,
		"auth_token":               c.AuthToken,
		"cache_dir":                c.CacheDir,
		"journal_path":             c.JournalPath,
		"device_catalog":           c.DeviceCatalog,
		"max_concurrent_downloads": c.MaxConcurrentDownloads,
		"max_concurrent_installs":  c.MaxConcurrentInstalls,
		"install_queue_size":       c.InstallQueueSize,
		"retry_max_attempts":       c.RetryMaxAttempts,
		"retry_initial_delay_ms":   c.RetryInitialDelayMs,
		"retry_max_delay_ms":       c.RetryMaxDelayMs,
		"retry_backoff_factor":     c.RetryBackoffFactor,
		"retry_jitter":             c.RetryJitter,
		"chunk_size_kb":            c.ChunkSizeKB,
		"progress_interval_ms":     c.ProgressIntervalMs,
		"resolve_ttl_seconds":      c.ResolveTTLSeconds,
		"require_signature":        c.RequireSignature,
		"installer":                c.Installer,
		"install_command":          c.InstallCommand,
		"uninstall_command":        c.UninstallCommand,
		"log_level":                c.LogLevel,
		"log_format":               c.LogFormat,
		"log_file":                 c.LogFile,
		"log_max_size_mb":          c.LogMaxSizeMB,
		"log_max_backups":          c.LogMaxBackups,
		"listen_addr":              c.ListenAddr,
		"api_token":                c.APIToken,
		"http_timeout_seconds":     c.HTTPTimeoutSeconds,
		"s3_region":                c.S3Region,
		"s3_endpoint":              c.S3Endpoint,
		"s3_access_key_id":         c.S3AccessKeyID,
		"s3_secret_access_key":     c.S3SecretAccessKey,
		"gcs_credentials_file":     c.GCSCredentialsFile,
		"azure_account_url":        c.AzureAccountURL,
		"b2_account_id":            c.B2AccountID,
		"b2_application_key":       c.B2ApplicationKey,
	}
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	for key, val := range cfg.settings() {
		v.Set(key, val)
	}

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), "drivers.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Mirror credentials live in this file.
	return os.Chmod(cfgPath, 0o600)
}

// Backoff converts the retry_* fields into a schedule.
func (c *Config) Backoff() httputil.Backoff {
	return httputil.Backoff{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: time.Duration(c.RetryInitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.RetryMaxDelayMs) * time.Millisecond,
		Factor:       c.RetryBackoffFactor,
		Jitter:       c.RetryJitter,
	}
}

func (c *Config) ChunkSize() int {
	return c.ChunkSizeKB * 1024
}

func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.ProgressIntervalMs) * time.Millisecond
}

func (c *Config) ResolveTTL() time.Duration {
	return time.Duration(c.ResolveTTLSeconds) * time.Second
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze")
	case "darwin":
		return "/Library/Application Support/Breeze"
	default:
		return "/etc/breeze"
	}
}

func dataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze", "drivers")
	case "darwin":
		return "/Library/Application Support/Breeze/drivers"
	default:
		return "/var/lib/breeze/drivers"
	}
}

func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}
