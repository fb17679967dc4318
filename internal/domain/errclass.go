package domain

import "strings"

// ErrorKind buckets generation CLI failures so the healing loop can decide
// whether a retry or a fix attempt is worthwhile.
type ErrorKind string

const (
	ErrorRateLimit    ErrorKind = "rate_limit"
	ErrorImport       ErrorKind = "import_error"
	ErrorAuth         ErrorKind = "auth_error"
	ErrorFileNotFound ErrorKind = "file_not_found"
	ErrorPermission   ErrorKind = "permission"
	ErrorGeneric      ErrorKind = "generic"
)

// Retryable reports whether re-running the same invocation can plausibly
// succeed without intervention.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorAuth, ErrorPermission:
		return false
	default:
		return true
	}
}

type errorRule struct {
	kind    ErrorKind
	needles []string
}

// Rule order matters: rate limits mention status codes that would otherwise
// fall through to generic, and auth markers must win over the bare 403 check.
var errorRules = []errorRule{
	{ErrorRateLimit, []string{"429", "too many requests", "rate limit"}},
	{ErrorImport, []string{"modulenotfounderror", "importerror", "no module named", "cannot import"}},
	{ErrorAuth, []string{"401", "unauthorized", "invalid api key", "authentication", "not authenticated"}},
	{ErrorFileNotFound, []string{"filenotfounderror", "no such file"}},
	{ErrorPermission, []string{"403", "permission denied", "access denied"}},
}

// ClassifyError maps raw CLI output to an ErrorKind by case-insensitive
// substring match. Unmatched output is generic.
func ClassifyError(output string) ErrorKind {
	lower := strings.ToLower(output)
	for _, rule := range errorRules {
		for _, needle := range rule.needles {
			if strings.Contains(lower, needle) {
				return rule.kind
			}
		}
	}
	return ErrorGeneric
}
