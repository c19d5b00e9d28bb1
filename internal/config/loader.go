package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for sark.yaml/.yml in
// standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("sark")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: SARK_SERVER_LISTEN_ADDR
	viper.SetEnvPrefix("SARK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a sark config file with
// an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".sark"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "sark"))
		}
	} else {
		paths = append(paths, "/etc/sark")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for sark.yaml or
// .yml. Returns the full path of the first match, or empty string if
// none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "sark"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// support. Example: SARK_AUDIT_DSN overrides audit.dsn. Array-valued
// keys (auth.principals, auth.api_keys, resources, server.cors_origins)
// are config-file only.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("mode")

	_ = viper.BindEnv("server.listen_addr")
	_ = viper.BindEnv("server.admin_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.read_timeout")
	_ = viper.BindEnv("server.write_timeout")
	_ = viper.BindEnv("server.shutdown_timeout")

	_ = viper.BindEnv("gateway.invoke_timeout")
	_ = viper.BindEnv("gateway.max_retries")
	_ = viper.BindEnv("gateway.retry_initial_delay")
	_ = viper.BindEnv("gateway.breaker_failure_threshold")
	_ = viper.BindEnv("gateway.breaker_recovery_timeout")

	_ = viper.BindEnv("auth.secret_key")
	_ = viper.BindEnv("auth.token_issuer")

	_ = viper.BindEnv("policy.bundle_dir")
	_ = viper.BindEnv("policy.cache_size")
	_ = viper.BindEnv("policy.mount")
	_ = viper.BindEnv("policy.auto_reload")

	_ = viper.BindEnv("rate_limit.enabled")
	_ = viper.BindEnv("rate_limit.principal.rate")
	_ = viper.BindEnv("rate_limit.principal.burst")
	_ = viper.BindEnv("rate_limit.principal.period")
	_ = viper.BindEnv("rate_limit.principal.daily_budget")
	_ = viper.BindEnv("rate_limit.capability.rate")
	_ = viper.BindEnv("rate_limit.capability.burst")
	_ = viper.BindEnv("rate_limit.capability.period")
	_ = viper.BindEnv("rate_limit.capability.daily_budget")
	_ = viper.BindEnv("rate_limit.cleanup_interval")

	_ = viper.BindEnv("injection.enabled")
	_ = viper.BindEnv("injection.block_threshold")
	_ = viper.BindEnv("injection.alert_threshold")

	_ = viper.BindEnv("anomaly.enabled")
	_ = viper.BindEnv("anomaly.lookback_days")
	_ = viper.BindEnv("anomaly.queue_size")
	_ = viper.BindEnv("anomaly.auto_suspend")

	_ = viper.BindEnv("mfa.challenge_timeout")
	_ = viper.BindEnv("mfa.max_attempts")
	_ = viper.BindEnv("mfa.totp_window")
	_ = viper.BindEnv("mfa.redis.addr")
	_ = viper.BindEnv("mfa.redis.password")
	_ = viper.BindEnv("mfa.redis.db")

	_ = viper.BindEnv("audit.dsn")
	_ = viper.BindEnv("audit.file_dir")
	_ = viper.BindEnv("audit.file_retention_days")
	_ = viper.BindEnv("audit.file_max_size_mb")
	_ = viper.BindEnv("audit.channel_size")
	_ = viper.BindEnv("audit.batch_size")
	_ = viper.BindEnv("audit.flush_interval")
	_ = viper.BindEnv("audit.send_timeout")

	_ = viper.BindEnv("siem.splunk.url")
	_ = viper.BindEnv("siem.splunk.token")
	_ = viper.BindEnv("siem.splunk.index")
	_ = viper.BindEnv("siem.splunk.batch_size")
	_ = viper.BindEnv("siem.splunk.skip_tls_verify")
	_ = viper.BindEnv("siem.datadog.api_key")
	_ = viper.BindEnv("siem.datadog.site")
	_ = viper.BindEnv("siem.datadog.service")
	_ = viper.BindEnv("siem.datadog.batch_size")
	_ = viper.BindEnv("siem.flush_interval")
	_ = viper.BindEnv("siem.queue_size")

	_ = viper.BindEnv("notify.slack_webhook_url")
	_ = viper.BindEnv("notify.pagerduty_routing_key")
	_ = viper.BindEnv("notify.webhook_url")
	_ = viper.BindEnv("notify.smtp.host")
	_ = viper.BindEnv("notify.smtp.port")
	_ = viper.BindEnv("notify.smtp.from")
	_ = viper.BindEnv("notify.smtp.username")
	_ = viper.BindEnv("notify.smtp.password")

	_ = viper.BindEnv("stdio.max_memory_mb")
	_ = viper.BindEnv("stdio.max_file_descriptors")
	_ = viper.BindEnv("stdio.max_cpu_percent")
	_ = viper.BindEnv("stdio.hung_timeout")
	_ = viper.BindEnv("stdio.stop_timeout")
	_ = viper.BindEnv("stdio.max_restart_attempts")
}

// LoadConfig reads the configuration file, applies environment
// overrides, sets defaults, and returns the validated Config.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found: continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	// In development mode, apply permissive defaults before validation.
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but
// does NOT apply development defaults or validate. Use this when CLI
// flags may override Mode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded. Returns an empty string if no config file was found (env vars
// only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
