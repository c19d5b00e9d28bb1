// Package config provides the gateway configuration schema: a YAML file
// plus SARK_-prefixed environment overrides, validated before boot.
//
// The application mode gates what a deployment may do: development mode
// unlocks conveniences (debug logging, policy bundle auto-reload, seeded
// identities), while production mode refuses them along with wildcard
// CORS and weak secret keys. Staging sits between: hardened like
// production but without the secret-key strictness.
package config

import (
	"log/slog"
	"time"

	"github.com/spf13/viper"
)

// Application modes.
const (
	ModeDevelopment = "development"
	ModeStaging     = "staging"
	ModeProduction  = "production"
)

// Config is the top-level gateway configuration.
type Config struct {
	// Mode is the application mode: development, staging, or production.
	// Defaults to development.
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=development staging production"`

	// Server configures the gateway and admin HTTP listeners.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Gateway configures invocation timeouts, retries, and breakers.
	Gateway GatewayConfig `yaml:"gateway" mapstructure:"gateway"`

	// Auth configures caller authentication and seeds identities.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Policy configures the rule bundle engine and decision cache.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// RateLimit configures the request-rate gate.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Injection configures prompt-injection response thresholds.
	Injection InjectionConfig `yaml:"injection" mapstructure:"injection"`

	// Anomaly configures the behavioral detection pipeline.
	Anomaly AnomalyConfig `yaml:"anomaly" mapstructure:"anomaly"`

	// MFA configures the challenge subsystem.
	MFA MFAConfig `yaml:"mfa" mapstructure:"mfa"`

	// Audit configures the event stores and the async writer.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// SIEM configures forwarding of high/critical events.
	SIEM SIEMConfig `yaml:"siem" mapstructure:"siem"`

	// Notify configures anomaly alert and challenge delivery channels.
	Notify NotifyConfig `yaml:"notify" mapstructure:"notify"`

	// Stdio configures resource limits for stdio child processes.
	Stdio StdioConfig `yaml:"stdio" mapstructure:"stdio"`

	// Resources seeds upstream resources registered at boot.
	// Optional: resources can also be registered through the admin API.
	Resources []ResourceConfig `yaml:"resources" mapstructure:"resources" validate:"omitempty,dive"`
}

// ServerConfig configures the HTTP listeners. TLS is a reverse-proxy
// concern; the gateway itself serves plain HTTP.
type ServerConfig struct {
	// ListenAddr is the gateway API address. Defaults to
	// "127.0.0.1:8080" (localhost only); set ":8080" or "0.0.0.0:8080"
	// explicitly for network exposure.
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr" validate:"omitempty,hostname_port"`

	// AdminAddr is the admin API address. Defaults to "127.0.0.1:8081".
	AdminAddr string `yaml:"admin_addr" mapstructure:"admin_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	// Defaults to "info"; development mode overrides to "debug".
	// Production refuses "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// ReadTimeout bounds request reading (e.g. "10s"). Defaults to "10s".
	ReadTimeout string `yaml:"read_timeout" mapstructure:"read_timeout" validate:"omitempty,duration"`

	// WriteTimeout bounds response writing. Defaults to "0" (unbounded)
	// because SSE event streams hold the response open.
	WriteTimeout string `yaml:"write_timeout" mapstructure:"write_timeout" validate:"omitempty,duration"`

	// ShutdownTimeout is the graceful-drain grace on stop. Defaults to "15s".
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`

	// CORSOrigins are allowed Origin values for the admin API.
	// Empty means same-origin only. "*" is refused in production.
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// GatewayConfig configures the upstream invocation path.
type GatewayConfig struct {
	// InvokeTimeout is the default per-call deadline. Defaults to "30s".
	// Requests may carry a shorter deadline of their own.
	InvokeTimeout string `yaml:"invoke_timeout" mapstructure:"invoke_timeout" validate:"omitempty,duration"`

	// MaxRetries bounds attempts for retryable transport failures.
	// Defaults to 3 (the first attempt included).
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"omitempty,min=1"`

	// RetryInitialDelay is the first backoff step. Defaults to "500ms".
	RetryInitialDelay string `yaml:"retry_initial_delay" mapstructure:"retry_initial_delay" validate:"omitempty,duration"`

	// BreakerFailureThreshold opens a target's circuit after this many
	// consecutive failures. Defaults to 5.
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold" mapstructure:"breaker_failure_threshold" validate:"omitempty,min=1"`

	// BreakerRecoveryTimeout is how long an open circuit waits before
	// admitting a probe. Defaults to "60s".
	BreakerRecoveryTimeout string `yaml:"breaker_recovery_timeout" mapstructure:"breaker_recovery_timeout" validate:"omitempty,duration"`
}

// AuthConfig configures caller authentication. API keys verify against
// the seeded hashes; bearer tokens verify against the secret key.
type AuthConfig struct {
	// SecretKey is the HMAC key for gateway-issued bearer tokens.
	// Empty disables bearer authentication. Production requires at
	// least 32 characters outside the known-weak set.
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`

	// TokenIssuer is the accepted JWT issuer. Defaults to "sark".
	TokenIssuer string `yaml:"token_issuer" mapstructure:"token_issuer"`

	// Principals seeds the identity store. Optional: principals can be
	// provisioned through the admin API instead.
	Principals []PrincipalConfig `yaml:"principals" mapstructure:"principals" validate:"omitempty,dive"`

	// APIKeys seeds gateway API keys bound to principals.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// PrincipalConfig defines a seeded identity.
type PrincipalConfig struct {
	// ID is the unique identifier for this principal.
	ID string `yaml:"id" mapstructure:"id" validate:"required"`

	// Email is the contact address, used for email challenges.
	Email string `yaml:"email" mapstructure:"email" validate:"omitempty,email"`

	// Role is the authorization role used in policy input.
	Role string `yaml:"role" mapstructure:"role" validate:"required"`

	// Teams are team memberships used in policy input.
	Teams []string `yaml:"teams" mapstructure:"teams"`

	// MFAMethods lists enrolled challenge methods.
	MFAMethods []string `yaml:"mfa_methods" mapstructure:"mfa_methods" validate:"omitempty,dive,oneof=totp sms email push"`
}

// APIKeyConfig defines a seeded API key.
type APIKeyConfig struct {
	// KeyHash is the stored hash: "sha256:<hex>" or an Argon2id PHC
	// string. Generate with `sark hash-key`.
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,api_key_hash"`

	// PrincipalID references the principal this key authenticates as.
	// Must match an ID in Auth.Principals.
	PrincipalID string `yaml:"principal_id" mapstructure:"principal_id" validate:"required"`

	// Name is a human-readable label for this key.
	Name string `yaml:"name" mapstructure:"name"`
}

// PolicyConfig configures the rule bundle engine.
type PolicyConfig struct {
	// BundleDir holds the YAML rule bundles. Defaults to "policies".
	// An empty directory is seeded with the default bundle on boot.
	BundleDir string `yaml:"bundle_dir" mapstructure:"bundle_dir"`

	// CacheSize is the decision cache capacity. Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`

	// Mount restricts evaluation to bundles under this name. Empty
	// evaluates every loaded bundle.
	Mount string `yaml:"mount" mapstructure:"mount"`

	// AutoReload watches the bundle directory and reloads on change.
	// Development mode only; production refuses it.
	AutoReload bool `yaml:"auto_reload" mapstructure:"auto_reload"`
}

// RateLimitConfig configures the request-rate gate.
type RateLimitConfig struct {
	// Enabled turns rate limiting on or off. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Principal is the per-principal cell rate across all capabilities.
	Principal RateConfig `yaml:"principal" mapstructure:"principal"`

	// Capability is the per-capability cell rate across all principals.
	Capability RateConfig `yaml:"capability" mapstructure:"capability"`

	// CleanupInterval is how often idle limiter state is swept.
	// Defaults to "5m".
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`
}

// RateConfig is one GCRA rate dimension.
type RateConfig struct {
	// Rate is allowed events per period. Defaults: principal 120,
	// capability 600.
	Rate int `yaml:"rate" mapstructure:"rate" validate:"omitempty,min=1"`

	// Burst is the instantaneous allowance. Defaults: principal 30,
	// capability 120.
	Burst int `yaml:"burst" mapstructure:"burst" validate:"omitempty,min=1"`

	// Period is the rate window. Defaults to "1m".
	Period string `yaml:"period" mapstructure:"period" validate:"omitempty,duration"`

	// DailyBudget caps total events per UTC day. Zero means no budget.
	DailyBudget int `yaml:"daily_budget" mapstructure:"daily_budget" validate:"omitempty,min=0"`
}

// InjectionConfig configures prompt-injection response thresholds.
type InjectionConfig struct {
	// Enabled turns injection scanning on or off. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// BlockThreshold is the risk score at which requests are blocked.
	// Defaults to 70.
	BlockThreshold int `yaml:"block_threshold" mapstructure:"block_threshold" validate:"omitempty,min=1,max=100"`

	// AlertThreshold is the risk score at which requests proceed but
	// raise a high-severity audit event. Defaults to 40.
	AlertThreshold int `yaml:"alert_threshold" mapstructure:"alert_threshold" validate:"omitempty,min=1,max=100"`
}

// AnomalyConfig configures behavioral detection.
type AnomalyConfig struct {
	// Enabled turns the anomaly pipeline on or off. Defaults to true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// LookbackDays is the baseline window. Defaults to 30.
	LookbackDays int `yaml:"lookback_days" mapstructure:"lookback_days" validate:"omitempty,min=1"`

	// QueueSize bounds the observation queue; overflow drops, never
	// blocks the request path. Defaults to 256.
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size" validate:"omitempty,min=1"`

	// AutoSuspend suspends a principal on critical anomaly. Defaults to
	// false.
	AutoSuspend bool `yaml:"auto_suspend" mapstructure:"auto_suspend"`
}

// MFAConfig configures the challenge subsystem.
type MFAConfig struct {
	// ChallengeTimeout is the challenge TTL. Defaults to "120s".
	ChallengeTimeout string `yaml:"challenge_timeout" mapstructure:"challenge_timeout" validate:"omitempty,duration"`

	// MaxAttempts is the verification attempt limit. Defaults to 3.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" validate:"omitempty,min=1"`

	// TOTPWindow is the accepted step drift for TOTP codes. Defaults to 1.
	TOTPWindow int `yaml:"totp_window" mapstructure:"totp_window" validate:"omitempty,min=0"`

	// Redis selects the production challenge store. Empty Addr uses the
	// in-memory store.
	Redis RedisConfig `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig configures the Redis challenge store.
type RedisConfig struct {
	// Addr is the Redis address (host:port). Empty disables Redis.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// Password authenticates with the server. Optional.
	Password string `yaml:"password" mapstructure:"password"`

	// DB selects the logical database. Defaults to 0.
	DB int `yaml:"db" mapstructure:"db" validate:"omitempty,min=0"`
}

// AuditConfig configures event persistence and the async writer.
type AuditConfig struct {
	// DSN selects the audit database: a file path opens SQLite, a
	// postgres:// URL opens PostgreSQL. Defaults to "sark-audit.db".
	DSN string `yaml:"dsn" mapstructure:"dsn"`

	// FileDir additionally writes JSON-Lines audit files to this
	// directory (air-gapped deployments). Empty disables the file sink.
	FileDir string `yaml:"file_dir" mapstructure:"file_dir"`

	// FileRetentionDays is how long rotated audit files are kept.
	// Defaults to 7.
	FileRetentionDays int `yaml:"file_retention_days" mapstructure:"file_retention_days" validate:"omitempty,min=1"`

	// FileMaxSizeMB rotates audit files beyond this size. Defaults to 100.
	FileMaxSizeMB int `yaml:"file_max_size_mb" mapstructure:"file_max_size_mb" validate:"omitempty,min=1"`

	// ChannelSize is the writer queue capacity. Defaults to 1000.
	ChannelSize int `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`

	// BatchSize is the events per write. Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// FlushInterval is the periodic flush cadence. Defaults to "1s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// SendTimeout is how long Record blocks when the queue is full
	// before dropping. "0" drops immediately. Defaults to "100ms".
	SendTimeout string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty,duration"`
}

// SIEMConfig configures forwarding of high/critical audit events.
// Forwarding is off until at least one platform is configured.
type SIEMConfig struct {
	// Splunk configures the HEC sink.
	Splunk SplunkConfig `yaml:"splunk" mapstructure:"splunk"`

	// Datadog configures the logs-intake sink.
	Datadog DatadogConfig `yaml:"datadog" mapstructure:"datadog"`

	// FlushInterval is the forward cadence. Defaults to "10s".
	FlushInterval string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty,duration"`

	// QueueSize bounds the forward queue. Defaults to 1000.
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size" validate:"omitempty,min=1"`
}

// SplunkConfig configures the Splunk HEC forwarder.
type SplunkConfig struct {
	// URL is the collector base, e.g. "https://splunk.example.com:8088".
	// Empty disables Splunk forwarding.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`

	// Token is the HEC token.
	Token string `yaml:"token" mapstructure:"token"`

	// Index is the target index; empty uses the token's default.
	Index string `yaml:"index" mapstructure:"index"`

	// BatchSize caps events per request. Defaults to 100.
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`

	// SkipTLSVerify disables certificate verification. Development
	// only; production refuses it.
	SkipTLSVerify bool `yaml:"skip_tls_verify" mapstructure:"skip_tls_verify"`
}

// DatadogConfig configures the Datadog logs forwarder.
type DatadogConfig struct {
	// APIKey authenticates with the logs intake. Empty disables
	// Datadog forwarding.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`

	// Site is the intake region, e.g. "datadoghq.com" or
	// "datadoghq.eu". Defaults to "datadoghq.com".
	Site string `yaml:"site" mapstructure:"site"`

	// Service tags forwarded logs. Defaults to "sark-gateway".
	Service string `yaml:"service" mapstructure:"service"`

	// BatchSize caps events per request. Defaults to 1000 (the intake
	// limit).
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1,max=1000"`
}

// NotifyConfig configures alert and challenge delivery channels.
// Channels are off until configured.
type NotifyConfig struct {
	// SlackWebhookURL receives warning and critical anomaly alerts.
	SlackWebhookURL string `yaml:"slack_webhook_url" mapstructure:"slack_webhook_url" validate:"omitempty,url"`

	// PagerDutyRoutingKey receives critical anomaly pages.
	PagerDutyRoutingKey string `yaml:"pagerduty_routing_key" mapstructure:"pagerduty_routing_key"`

	// WebhookURL receives push-method MFA challenges for out-of-band
	// approval.
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url" validate:"omitempty,url"`

	// SMTP delivers email challenges and warning alerts.
	SMTP SMTPConfig `yaml:"smtp" mapstructure:"smtp"`
}

// SMTPConfig configures the email channel.
type SMTPConfig struct {
	// Host is the SMTP server. Empty disables email delivery.
	Host string `yaml:"host" mapstructure:"host"`

	// Port is the SMTP port. Defaults to 587.
	Port int `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`

	// From is the sender address.
	From string `yaml:"from" mapstructure:"from" validate:"omitempty,email"`

	// Username and Password authenticate when the server requires it.
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`

	// AlertTo lists the operator addresses that receive email alerts.
	// Challenge codes go to the principal's directory address instead.
	AlertTo []string `yaml:"alert_to" mapstructure:"alert_to" validate:"omitempty,dive,email"`
}

// StdioConfig configures resource limits for stdio child processes.
type StdioConfig struct {
	// MaxMemoryMB hard-kills a child whose RSS exceeds it. Defaults to 512.
	MaxMemoryMB int `yaml:"max_memory_mb" mapstructure:"max_memory_mb" validate:"omitempty,min=1"`

	// MaxFileDescriptors hard-kills a child whose fd count exceeds it.
	// Defaults to 1024.
	MaxFileDescriptors int `yaml:"max_file_descriptors" mapstructure:"max_file_descriptors" validate:"omitempty,min=1"`

	// MaxCPUPercent logs a warning when sustained CPU exceeds it.
	// Defaults to 50.
	MaxCPUPercent int `yaml:"max_cpu_percent" mapstructure:"max_cpu_percent" validate:"omitempty,min=1,max=100"`

	// HungTimeout restarts a child silent for this long. Defaults to "30s".
	HungTimeout string `yaml:"hung_timeout" mapstructure:"hung_timeout" validate:"omitempty,duration"`

	// StopTimeout is the SIGTERM grace before SIGKILL. Defaults to "5s".
	StopTimeout string `yaml:"stop_timeout" mapstructure:"stop_timeout" validate:"omitempty,duration"`

	// MaxRestartAttempts bounds automatic restarts before a child is
	// marked fatally stopped. Defaults to 3.
	MaxRestartAttempts int `yaml:"max_restart_attempts" mapstructure:"max_restart_attempts" validate:"omitempty,min=0"`
}

// ResourceConfig seeds one upstream resource at boot.
type ResourceConfig struct {
	// Name is a human-readable identifier.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Protocol selects the adapter: mcp, grpc, or http.
	Protocol string `yaml:"protocol" mapstructure:"protocol" validate:"required,oneof=mcp grpc http"`

	// Endpoint is the transport address: a URL for grpc/http, a URL or
	// command line for mcp.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"required"`

	// Sensitivity overrides the classified default for every capability
	// on this resource.
	Sensitivity string `yaml:"sensitivity" mapstructure:"sensitivity" validate:"omitempty,oneof=low medium high critical"`

	// Metadata carries adapter options (bearer_token, tools_path, ...).
	Metadata map[string]string `yaml:"metadata" mapstructure:"metadata"`
}

// IsProduction reports whether the production hardening rules apply.
func (c *Config) IsProduction() bool {
	return c.Mode == ModeProduction
}

// IsDevelopment reports whether development conveniences are unlocked.
func (c *Config) IsDevelopment() bool {
	return c.Mode == ModeDevelopment
}

// SlogLevel parses the configured log level.
func (s *ServerConfig) SlogLevel() slog.Level {
	switch s.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration parses a duration field that SetDefaults has filled, falling
// back when the value is empty or unparseable.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// SetDefaults fills unset optional fields. Applied after unmarshal and
// before validation.
func (c *Config) SetDefaults() {
	if c.Mode == "" {
		c.Mode = ModeDevelopment
	}

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "127.0.0.1:8080"
	}
	if c.Server.AdminAddr == "" {
		c.Server.AdminAddr = "127.0.0.1:8081"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "10s"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "15s"
	}

	if c.Gateway.InvokeTimeout == "" {
		c.Gateway.InvokeTimeout = "30s"
	}
	if c.Gateway.MaxRetries == 0 {
		c.Gateway.MaxRetries = 3
	}
	if c.Gateway.RetryInitialDelay == "" {
		c.Gateway.RetryInitialDelay = "500ms"
	}
	if c.Gateway.BreakerFailureThreshold == 0 {
		c.Gateway.BreakerFailureThreshold = 5
	}
	if c.Gateway.BreakerRecoveryTimeout == "" {
		c.Gateway.BreakerRecoveryTimeout = "60s"
	}

	if c.Auth.TokenIssuer == "" {
		c.Auth.TokenIssuer = "sark"
	}

	if c.Policy.BundleDir == "" {
		c.Policy.BundleDir = "policies"
	}
	if c.Policy.CacheSize == 0 {
		c.Policy.CacheSize = 1000
	}

	// Security gates default on. viper.IsSet distinguishes "not set"
	// from an explicit false.
	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.Principal.Rate == 0 {
		c.RateLimit.Principal.Rate = 120
	}
	if c.RateLimit.Principal.Burst == 0 {
		c.RateLimit.Principal.Burst = 30
	}
	if c.RateLimit.Principal.Period == "" {
		c.RateLimit.Principal.Period = "1m"
	}
	if c.RateLimit.Capability.Rate == 0 {
		c.RateLimit.Capability.Rate = 600
	}
	if c.RateLimit.Capability.Burst == 0 {
		c.RateLimit.Capability.Burst = 120
	}
	if c.RateLimit.Capability.Period == "" {
		c.RateLimit.Capability.Period = "1m"
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}

	if !viper.IsSet("injection.enabled") {
		c.Injection.Enabled = true
	}
	if c.Injection.BlockThreshold == 0 {
		c.Injection.BlockThreshold = 70
	}
	if c.Injection.AlertThreshold == 0 {
		c.Injection.AlertThreshold = 40
	}

	if !viper.IsSet("anomaly.enabled") {
		c.Anomaly.Enabled = true
	}
	if c.Anomaly.LookbackDays == 0 {
		c.Anomaly.LookbackDays = 30
	}
	if c.Anomaly.QueueSize == 0 {
		c.Anomaly.QueueSize = 256
	}

	if c.MFA.ChallengeTimeout == "" {
		c.MFA.ChallengeTimeout = "120s"
	}
	if c.MFA.MaxAttempts == 0 {
		c.MFA.MaxAttempts = 3
	}
	if c.MFA.TOTPWindow == 0 && !viper.IsSet("mfa.totp_window") {
		c.MFA.TOTPWindow = 1
	}

	if c.Audit.DSN == "" {
		c.Audit.DSN = "sark-audit.db"
	}
	if c.Audit.FileRetentionDays == 0 {
		c.Audit.FileRetentionDays = 7
	}
	if c.Audit.FileMaxSizeMB == 0 {
		c.Audit.FileMaxSizeMB = 100
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}

	if c.SIEM.Splunk.BatchSize == 0 {
		c.SIEM.Splunk.BatchSize = 100
	}
	if c.SIEM.Datadog.Site == "" {
		c.SIEM.Datadog.Site = "datadoghq.com"
	}
	if c.SIEM.Datadog.Service == "" {
		c.SIEM.Datadog.Service = "sark-gateway"
	}
	if c.SIEM.Datadog.BatchSize == 0 {
		c.SIEM.Datadog.BatchSize = 1000
	}
	if c.SIEM.FlushInterval == "" {
		c.SIEM.FlushInterval = "10s"
	}
	if c.SIEM.QueueSize == 0 {
		c.SIEM.QueueSize = 1000
	}

	if c.Notify.SMTP.Port == 0 {
		c.Notify.SMTP.Port = 587
	}

	if c.Stdio.MaxMemoryMB == 0 {
		c.Stdio.MaxMemoryMB = 512
	}
	if c.Stdio.MaxFileDescriptors == 0 {
		c.Stdio.MaxFileDescriptors = 1024
	}
	if c.Stdio.MaxCPUPercent == 0 {
		c.Stdio.MaxCPUPercent = 50
	}
	if c.Stdio.HungTimeout == "" {
		c.Stdio.HungTimeout = "30s"
	}
	if c.Stdio.StopTimeout == "" {
		c.Stdio.StopTimeout = "5s"
	}
	if c.Stdio.MaxRestartAttempts == 0 {
		c.Stdio.MaxRestartAttempts = 3
	}
}

// SetDevDefaults applies development conveniences so the gateway runs
// with a bare config file. No effect outside development mode.
func (c *Config) SetDevDefaults() {
	if c.Mode != ModeDevelopment {
		return
	}

	c.Server.LogLevel = "debug"

	// A seeded admin identity with a known key. SHA-256 of
	// "sark_dev_key"; accepted only because development mode says so.
	if len(c.Auth.Principals) == 0 {
		c.Auth.Principals = []PrincipalConfig{
			{
				ID:    "dev-admin",
				Email: "dev@localhost",
				Role:  "admin",
				Teams: []string{"platform"},
			},
		}
	}
	if len(c.Auth.APIKeys) == 0 {
		c.Auth.APIKeys = []APIKeyConfig{
			{
				KeyHash:     "sha256:0f4cee5794e248f89d4875c98131619c18c908c619b3f38f6a58f89d3558fe8f",
				PrincipalID: "dev-admin",
				Name:        "dev key",
			},
		}
	}
}
