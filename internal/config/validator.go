package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers vsstree-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("pem_path", validatePEMPath); err != nil {
		return fmt.Errorf("failed to register pem_path validator: %w", err)
	}
	return nil
}

// validatePEMPath accepts an empty value (checked elsewhere via cross-field
// rules) or a path ending in .pem/.key/.pub.
func validatePEMPath(fl validator.FieldLevel) bool {
	path := fl.Field().String()
	if path == "" {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".pem" || ext == ".key" || ext == ".pub"
}

// Validate validates the Config using struct tags and cross-field rules.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateAuthKeyRequired(); err != nil {
		return err
	}

	return nil
}

// validateAuthKeyRequired requires the key and token material outside dev
// mode, since dev mode grants the channel full access without verifying a
// token.
func (c *Config) validateAuthKeyRequired() error {
	if c.DevMode {
		return nil
	}
	if strings.TrimSpace(c.Auth.PublicKeyPath) == "" {
		return errors.New("auth.public_key_path is required outside dev_mode")
	}
	if strings.TrimSpace(c.Auth.TokenPath) == "" {
		return errors.New("auth.token_path is required outside dev_mode")
	}
	return nil
}

func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_if":
		return fmt.Sprintf("%s is required for the given configuration", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "pem_path":
		return fmt.Sprintf("%s must end in .pem, .key, or .pub", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
