// Package validation gates every tool argument before any network call is
// attempted. All checks are pure: rules never mutate input and running one
// twice yields the same verdict.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	apperrors "github.com/emberfell/hearthgate/internal/errors"
)

// Rule pairs a predicate over a raw string with the message reported when
// it fails.
type Rule struct {
	Check   func(string) bool
	Message string
}

// Apply runs rules in order against value and reports the first failure as
// an InvalidArgument naming the field. No rule sees the value after a
// preceding rule rejected it.
func Apply(field, value string, rules ...Rule) error {
	for _, rule := range rules {
		if rule.Check == nil {
			continue
		}

		if !rule.Check(value) {
			return apperrors.NewInvalidArgument(field, rule.Message)
		}
	}

	return nil
}

var sanitizeReplacer = strings.NewReplacer(
	"<", "",
	">", "",
	`"`, "",
	"'", "",
	"&", "",
)

// Sanitize strips the characters < > " ' & from free-text input.
func Sanitize(input string) string {
	return sanitizeReplacer.Replace(input)
}

// entityIDPattern matches <domain>.<object_id>: lowercase letters or
// underscores, one dot, then lowercase letters, digits or underscores.
var entityIDPattern = regexp.MustCompile(`^[a-z_]+\.[a-z0-9_]+$`)

// IsEntityID reports whether id is a well-formed resource identifier.
func IsEntityID(id string) bool {
	return entityIDPattern.MatchString(id)
}

// EntityID is the rule form of IsEntityID.
func EntityID() Rule {
	return Rule{
		Check:   IsEntityID,
		Message: "must be a well-formed identifier like light.living_room",
	}
}

// NotEmpty rejects empty and all-whitespace values.
func NotEmpty() Rule {
	return Rule{
		Check:   func(s string) bool { return strings.TrimSpace(s) != "" },
		Message: "must not be empty",
	}
}

// InDomain requires an identifier to carry the expected resource-class
// prefix. A mismatch is a validation failure, not a network failure.
func InDomain(domain string) Rule {
	return Rule{
		Check:   func(s string) bool { return Domain(s) == domain },
		Message: fmt.Sprintf("must belong to the %s domain", domain),
	}
}

// OneOf whitelists the permitted values for a field.
func OneOf(allowed ...string) Rule {
	set := make(map[string]struct{}, len(allowed))
	for _, value := range allowed {
		set[value] = struct{}{}
	}

	return Rule{
		Check: func(s string) bool {
			_, ok := set[s]
			return ok
		},
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// Domain returns the resource class of an identifier (the part before the
// first dot), or "" when it has none.
func Domain(id string) string {
	domain, _, found := strings.Cut(id, ".")
	if !found {
		return ""
	}

	return domain
}

// InRange reports whether value lies in [lower, upper].
func InRange(value, lower, upper float64) bool {
	return value >= lower && value <= upper
}

// Range reports an InvalidArgument when value is outside [lower, upper].
func Range(field string, value, lower, upper float64) error {
	if !InRange(value, lower, upper) {
		return apperrors.NewInvalidArgument(field, fmt.Sprintf("must be between %g and %g", lower, upper))
	}

	return nil
}
