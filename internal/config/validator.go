package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = validator.New()

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// ValidateWithDetails runs struct-tag validation followed by the rules tags
// cannot express, and reports every failure at once.
func ValidateWithDetails(cfg *Config) error {
	var details ValidationErrors

	if err := validate.Struct(cfg); err != nil {
		validationErrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, fe := range validationErrors {
			details = append(details, ConfigError{
				Field:   fe.Namespace(),
				Message: formatValidationError(fe),
				Value:   fe.Value(),
			})
		}
	}

	details = append(details, crossFieldErrors(cfg)...)

	if len(details) > 0 {
		return details
	}
	return nil
}

func crossFieldErrors(cfg *Config) ValidationErrors {
	var errs ValidationErrors

	if cfg.Memory.VectorWeight+cfg.Memory.KeywordWeight == 0 {
		errs = append(errs, ConfigError{
			Field:   "Config.Memory.VectorWeight",
			Message: "vector_weight and keyword_weight cannot both be zero",
			Value:   0,
		})
	}

	if cfg.Memory.ResyncSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Memory.ResyncSchedule); err != nil {
			errs = append(errs, ConfigError{
				Field:   "Config.Memory.ResyncSchedule",
				Message: "invalid cron expression: " + err.Error(),
				Value:   cfg.Memory.ResyncSchedule,
			})
		}
	}

	for i, p := range cfg.Tools.DenyPatterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, ConfigError{
				Field:   fmt.Sprintf("Config.Tools.DenyPatterns[%d]", i),
				Message: "invalid regular expression",
				Value:   p,
			})
		}
	}

	if cfg.Embedding.Provider == "openai" && cfg.Embedding.APIKey == "" && cfg.Embedding.BaseURL == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Embedding.APIKey",
			Message: "api_key is required for the openai provider without a base_url",
			Value:   "",
		})
	}

	seen := make(map[string]bool)
	for _, p := range cfg.AI.Profiles {
		if seen[p.ID] {
			errs = append(errs, ConfigError{
				Field:   "Config.AI.Profiles",
				Message: "duplicate profile id",
				Value:   p.ID,
			})
		}
		seen[p.ID] = true
	}

	return errs
}

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "ltfield":
		return fmt.Sprintf("must be less than %s", fe.Param())
	case "min":
		return fmt.Sprintf("must have at least %s entries", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "url":
		return "must be a valid URL"
	case "startswith":
		return fmt.Sprintf("must start with %q", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
