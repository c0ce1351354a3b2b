package config

import (
	"fmt"
	"strings"
)

// SecretValidator checks the secrets the service depends on. In production
// problems are errors; elsewhere they are downgraded to warnings.
type SecretValidator struct {
	config   *Config
	errors   []string
	warnings []string
}

func NewSecretValidator(cfg *Config) *SecretValidator {
	return &SecretValidator{
		config:   cfg,
		errors:   []string{},
		warnings: []string{},
	}
}

// Validate returns an error listing every blocking problem. Warnings are
// available from Warnings afterwards.
func (v *SecretValidator) Validate() error {
	if v.config == nil {
		return fmt.Errorf("secret validation failed: no configuration loaded")
	}
	isProduction := v.config.App.IsProduction()

	v.validateJWTSecret(isProduction)
	v.validateResendKey(isProduction)
	v.validateWebhookSecret(isProduction)
	v.validateCronSecret()

	if len(v.errors) > 0 {
		return fmt.Errorf("secret validation failed:\n%s", strings.Join(v.errors, "\n"))
	}
	return nil
}

// Warnings returns the non-blocking findings of the last Validate call.
func (v *SecretValidator) Warnings() []string {
	return v.warnings
}

func (v *SecretValidator) validateJWTSecret(isProduction bool) {
	secret := v.config.Auth.JWT.Secret
	if secret == "" {
		v.addError("JWT_SECRET is not set", isProduction)
		return
	}
	if !isProduction && (strings.HasPrefix(secret, "dev-") || strings.HasPrefix(secret, "test-")) {
		return
	}
	if len(secret) < 32 {
		v.addError("JWT_SECRET must be at least 32 characters long", isProduction)
	}
}

func (v *SecretValidator) validateResendKey(isProduction bool) {
	key := strings.TrimSpace(v.config.Resend.APIKey)
	if key == "" {
		v.addWarning("RESEND_API_KEY is not set; inbound replies will be skipped")
		return
	}
	if !v.config.Resend.HasResendKey() {
		v.addError("RESEND_API_KEY must start with re_", isProduction)
	}
}

func (v *SecretValidator) validateWebhookSecret(isProduction bool) {
	secret := v.config.Webhook.Secret
	if secret == "" {
		v.addError("RESEND_WEBHOOK_SECRET is not set; webhook signatures will not be verified", isProduction)
		return
	}
	if !strings.HasPrefix(secret, "whsec_") {
		v.addWarning("RESEND_WEBHOOK_SECRET does not carry the whsec_ prefix")
	}
}

func (v *SecretValidator) validateCronSecret() {
	if len(v.config.SharedSecrets()) == 0 {
		v.addWarning("CRON_SECRET is not set; reprocess and debug endpoints are disabled")
		return
	}
	if s := v.config.Auth.CronSecret; s != "" && len(s) < 16 {
		v.addWarning("CRON_SECRET should be at least 16 characters long")
	}
}

func (v *SecretValidator) addError(message string, isProduction bool) {
	if isProduction {
		v.errors = append(v.errors, "   "+message)
	} else {
		v.warnings = append(v.warnings, "   "+message)
	}
}

func (v *SecretValidator) addWarning(message string) {
	v.warnings = append(v.warnings, "   "+message)
}

// ValidateSecrets runs a SecretValidator and returns its warnings alongside
// any blocking error.
func ValidateSecrets(cfg *Config) ([]string, error) {
	validator := NewSecretValidator(cfg)
	err := validator.Validate()
	return validator.Warnings(), err
}
