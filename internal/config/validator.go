package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// weakSecretKeys are values refused as Auth.SecretKey in production even
// when long enough. Compared lowercase.
var weakSecretKeys = map[string]struct{}{
	"changeme":                         {},
	"change-me":                        {},
	"secret":                           {},
	"password":                         {},
	"default":                          {},
	"development":                      {},
	"test":                             {},
	"insecure":                         {},
	"sark":                             {},
	"sark-secret":                      {},
	"0123456789abcdef0123456789abcdef": {},
}

// RegisterCustomValidators registers gateway-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// duration: validates time.ParseDuration syntax ("30s", "1m30s")
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	// api_key_hash: validates the stored key hash format
	if err := v.RegisterValidation("api_key_hash", validateAPIKeyHash); err != nil {
		return fmt.Errorf("failed to register api_key_hash validator: %w", err)
	}
	return nil
}

// validateDuration validates duration-string fields.
func validateDuration(fl validator.FieldLevel) bool {
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// validateAPIKeyHash validates the stored hash format: "sha256:<hex>",
// bare 64-char hex, or an Argon2id PHC string.
func validateAPIKeyHash(fl validator.FieldLevel) bool {
	hash := fl.Field().String()

	if strings.HasPrefix(hash, "$argon2id$") {
		return true
	}

	hex := strings.TrimPrefix(hash, "sha256:")
	if len(hex) != 64 {
		return false
	}
	for _, r := range hex {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// Validate validates the Config using struct tags and cross-field rules.
// Returns an error with actionable messages on failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateKeyReferences(); err != nil {
		return err
	}
	if err := c.validateThresholds(); err != nil {
		return err
	}
	if err := c.validateSIEM(); err != nil {
		return err
	}
	if c.Mode == ModeProduction || c.Mode == ModeStaging {
		if err := c.validateHardening(); err != nil {
			return err
		}
	}

	return nil
}

// validateKeyReferences ensures every seeded API key references a seeded
// principal.
func (c *Config) validateKeyReferences() error {
	known := make(map[string]struct{}, len(c.Auth.Principals))
	for _, p := range c.Auth.Principals {
		known[p.ID] = struct{}{}
	}

	for i, key := range c.Auth.APIKeys {
		if _, exists := known[key.PrincipalID]; !exists {
			return fmt.Errorf("auth.api_keys[%d]: references unknown principal_id: %s", i, key.PrincipalID)
		}
	}

	return nil
}

// validateThresholds ensures the injection alert threshold does not
// exceed the block threshold.
func (c *Config) validateThresholds() error {
	if c.Injection.AlertThreshold > c.Injection.BlockThreshold {
		return fmt.Errorf("injection: alert_threshold (%d) must not exceed block_threshold (%d)",
			c.Injection.AlertThreshold, c.Injection.BlockThreshold)
	}
	return nil
}

// validateSIEM ensures partially configured forwarders fail at boot
// rather than at first flush.
func (c *Config) validateSIEM() error {
	if c.SIEM.Splunk.URL != "" && c.SIEM.Splunk.Token == "" {
		return errors.New("siem.splunk: token is required when url is set")
	}
	if c.SIEM.Splunk.Token != "" && c.SIEM.Splunk.URL == "" {
		return errors.New("siem.splunk: url is required when token is set")
	}
	return nil
}

// validateHardening enforces the production/staging restrictions:
// no debug logging, no bundle auto-reload, no wildcard CORS, no
// unverified SIEM TLS, and (production only) no weak secret keys.
func (c *Config) validateHardening() error {
	if c.Server.LogLevel == "debug" {
		return fmt.Errorf("server.log_level: debug logging is not permitted in %s mode", c.Mode)
	}
	if c.Policy.AutoReload {
		return fmt.Errorf("policy.auto_reload: bundle auto-reload is not permitted in %s mode", c.Mode)
	}
	for _, origin := range c.Server.CORSOrigins {
		if origin == "*" {
			return fmt.Errorf("server.cors_origins: wildcard origin is not permitted in %s mode", c.Mode)
		}
	}
	if c.SIEM.Splunk.SkipTLSVerify {
		return fmt.Errorf("siem.splunk.skip_tls_verify: TLS verification is mandatory in %s mode", c.Mode)
	}

	if c.Mode == ModeProduction && c.Auth.SecretKey != "" {
		if err := checkSecretKeyStrength(c.Auth.SecretKey); err != nil {
			return fmt.Errorf("auth.secret_key: %w", err)
		}
	}

	return nil
}

// checkSecretKeyStrength rejects keys that are too short, on the weak
// list, or a single repeated character.
func checkSecretKeyStrength(key string) error {
	if len(key) < 32 {
		return fmt.Errorf("must be at least 32 characters in production (got %d)", len(key))
	}
	if _, weak := weakSecretKeys[strings.ToLower(key)]; weak {
		return errors.New("matches a known-weak value")
	}
	first := key[0]
	uniform := true
	for i := 1; i < len(key); i++ {
		if key[i] != first {
			uniform = false
			break
		}
	}
	if uniform {
		return errors.New("is a single repeated character")
	}
	return nil
}

// SIEMConfigured reports whether at least one forwarding platform is
// set up.
func (c *Config) SIEMConfigured() bool {
	return c.SIEM.Splunk.URL != "" || c.SIEM.Datadog.APIKey != ""
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a
// single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a valid duration (e.g. \"30s\", \"5m\")", field)
	case "api_key_hash":
		return fmt.Sprintf("%s must be \"sha256:<hex>\", 64-char hex, or an argon2id hash", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
