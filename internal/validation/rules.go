// Package validation provides custom validation rules for the application.
package validation

import (
	"regexp"
	"strings"

	validation "github.com/jellydator/validation"

	apperrors "github.com/allisson/jobflow/internal/errors"
)

var (
	// identifierRegex matches workflow and handler type identifiers such as
	// "document_processing" or "invoice.ocr-v2".
	identifierRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._\-]*$`)
)

// WrapValidationError wraps validation errors as domain ErrInvalidInput
func WrapValidationError(err error) error {
	if err == nil {
		return nil
	}
	return apperrors.Wrap(apperrors.ErrInvalidInput, err.Error())
}

// NotBlank validates that a string is not empty or whitespace-only
type NotBlank struct{}

// Validate checks if the value is a non-blank string
func (n NotBlank) Validate(value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return validation.NewError("validation_not_blank", "value must be a string")
	}
	if strings.TrimSpace(s) == "" {
		return validation.NewError("validation_not_blank", "cannot be blank")
	}
	return nil
}

// Identifier validates workflow and handler type identifiers.
type Identifier struct{}

// Validate checks if the value is a well-formed identifier
func (i Identifier) Validate(value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return validation.NewError("validation_identifier", "value must be a string")
	}
	if !identifierRegex.MatchString(s) {
		return validation.NewError(
			"validation_identifier",
			"must contain only lowercase letters, digits, dots, dashes and underscores",
		)
	}
	return nil
}
