package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validInstallers = map[string]bool{
	"dpkg": true,
	"exec": true,
}

// ValidationResult separates problems that must stop startup from values
// that were clamped or ignored.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// Err joins the fatal errors, or returns nil.
func (r ValidationResult) Err() error {
	return errors.Join(r.Fatals...)
}

// Validate checks the config and returns all problems found. Unsafe numbers
// are clamped in place.
func (c *Config) Validate() []error {
	return c.ValidateTiered().AllErrors()
}

// ValidateTiered checks the config, clamps numeric fields into safe ranges
// and logs warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.RepositoryURL != "" {
		u, err := url.Parse(c.RepositoryURL)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("repository_url %q is not a valid URL: %w", c.RepositoryURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			r.Fatals = append(r.Fatals, fmt.Errorf("repository_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	if c.AuthToken != "" {
		for _, ch := range c.AuthToken {
			if unicode.IsControl(ch) {
				r.Fatals = append(r.Fatals, fmt.Errorf("auth_token contains control characters"))
				break
			}
		}
	}

	if c.APIToken != "" {
		for _, ch := range c.APIToken {
			if unicode.IsControl(ch) || unicode.IsSpace(ch) {
				r.Fatals = append(r.Fatals, fmt.Errorf("api_token contains whitespace or control characters"))
				break
			}
		}
	}

	if c.CacheDir == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("cache_dir must be set"))
	}

	installer := strings.ToLower(c.Installer)
	if !validInstallers[installer] {
		r.Fatals = append(r.Fatals, fmt.Errorf("installer %q is not valid (use dpkg or exec)", c.Installer))
	} else if installer == "exec" && strings.TrimSpace(c.InstallCommand) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("installer exec requires install_command"))
	}

	if c.ListenAddr != "" {
		host, _, err := net.SplitHostPort(c.ListenAddr)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("listen_addr %q: %w", c.ListenAddr, err))
		} else if c.APIToken == "" && !loopback(host) {
			r.Warnings = append(r.Warnings, fmt.Errorf("listen_addr %q is reachable from other hosts and api_token is empty", c.ListenAddr))
		}
	}

	r.Warnings = append(r.Warnings, clampInt("max_concurrent_downloads", &c.MaxConcurrentDownloads, 1, 32)...)
	r.Warnings = append(r.Warnings, clampInt("max_concurrent_installs", &c.MaxConcurrentInstalls, 1, 16)...)
	r.Warnings = append(r.Warnings, clampInt("install_queue_size", &c.InstallQueueSize, 1, 10000)...)
	r.Warnings = append(r.Warnings, clampInt("retry_max_attempts", &c.RetryMaxAttempts, 1, 20)...)
	r.Warnings = append(r.Warnings, clampInt("retry_initial_delay_ms", &c.RetryInitialDelayMs, 10, 60000)...)
	r.Warnings = append(r.Warnings, clampInt("retry_max_delay_ms", &c.RetryMaxDelayMs, c.RetryInitialDelayMs, 600000)...)
	r.Warnings = append(r.Warnings, clampInt("chunk_size_kb", &c.ChunkSizeKB, 4, 8192)...)
	r.Warnings = append(r.Warnings, clampInt("progress_interval_ms", &c.ProgressIntervalMs, 10, 10000)...)
	r.Warnings = append(r.Warnings, clampInt("resolve_ttl_seconds", &c.ResolveTTLSeconds, 0, 86400)...)
	r.Warnings = append(r.Warnings, clampInt("http_timeout_seconds", &c.HTTPTimeoutSeconds, 5, 600)...)
	r.Warnings = append(r.Warnings, clampInt("log_max_size_mb", &c.LogMaxSizeMB, 1, 1024)...)
	r.Warnings = append(r.Warnings, clampInt("log_max_backups", &c.LogMaxBackups, 1, 50)...)

	if c.RetryBackoffFactor < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("retry_backoff_factor %.2f is below minimum 1, clamping", c.RetryBackoffFactor))
		c.RetryBackoffFactor = 1
	} else if c.RetryBackoffFactor > 10 {
		r.Warnings = append(r.Warnings, fmt.Errorf("retry_backoff_factor %.2f exceeds maximum 10, clamping", c.RetryBackoffFactor))
		c.RetryBackoffFactor = 10
	}

	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("retry_jitter %.2f must be within [0,1], using 0.2", c.RetryJitter))
		c.RetryJitter = 0.2
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if (c.B2AccountID == "") != (c.B2ApplicationKey == "") {
		r.Warnings = append(r.Warnings, fmt.Errorf("b2_account_id and b2_application_key must be set together"))
	}
	if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
		r.Warnings = append(r.Warnings, fmt.Errorf("s3_access_key_id and s3_secret_access_key must be set together"))
	}

	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}
	return r
}

func clampInt(name string, v *int, lo, hi int) []error {
	switch {
	case *v < lo:
		err := fmt.Errorf("%s %d is below minimum %d, clamping", name, *v, lo)
		*v = lo
		return []error{err}
	case *v > hi:
		err := fmt.Errorf("%s %d exceeds maximum %d, clamping", name, *v, hi)
		*v = hi
		return []error{err}
	}
	return nil
}

func loopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
