package httpserver

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult represents the result of validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var validProjectName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateProjectName validates a project name as used in URLs, directory
// names, and deploy hostnames.
func ValidateProjectName(name string) ValidationResult {
	if name == "" {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "name", Code: "REQUIRED", Message: "Project name is required"},
			},
		}
	}

	if len(name) > 100 {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "name", Code: "TOO_LONG", Message: "Project name is too long (max 100 characters)"},
			},
		}
	}

	// The name becomes a subdomain label and a container name.
	if !validProjectName.MatchString(name) {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "name", Code: "INVALID_FORMAT", Message: "Project name contains invalid characters"},
			},
		}
	}

	return ValidationResult{Valid: true}
}

// SanitizeRequirements sanitizes a free-text requirements blob.
func SanitizeRequirements(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	input = strings.TrimSpace(input)

	// Limit length to prevent unbounded prompt growth downstream.
	if len(input) > 20000 {
		input = input[:20000]
	}

	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}

	return input
}
