package executor

import (
	"net/url"
	"strings"
)

// redactedPlaceholder replaces every secret value found in process output.
const redactedPlaceholder = "[REDACTED]"

// SecretRedactor masks secret values, including their URL-escaped forms, in messages.
type SecretRedactor struct {
	values []string
}

// NewSecretRedactor builds a redactor for the given secret values. Empty values are ignored.
func NewSecretRedactor(secrets ...string) SecretRedactor {
	seen := make(map[string]struct{}, len(secrets)*2)
	var values []string
	add := func(v string) {
		if v == "" {
			return
		}
		if _, dup := seen[v]; dup {
			return
		}
		seen[v] = struct{}{}
		values = append(values, v)
	}
	for _, s := range secrets {
		add(s)
		add(url.QueryEscape(s))
		add(url.PathEscape(s))
	}
	return SecretRedactor{values: values}
}

// RedactString replaces secret values within s.
func (r SecretRedactor) RedactString(s string) string {
	if len(r.values) == 0 || s == "" {
		return s
	}
	for _, v := range r.values {
		s = strings.ReplaceAll(s, v, redactedPlaceholder)
	}
	return s
}
