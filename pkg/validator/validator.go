package validator

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

func All(errors ...error) error {
	for _, err := range errors {
		if err != nil {
			return err
		}
	}
	return nil
}

func MapDict[T any](items map[string]T, f func(string, T) error) error {
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		if err := f(key, items[key]); err != nil {
			return err
		}
	}
	return nil
}

func NotEmpty(field, description string) error {
	if field == "" {
		return fmt.Errorf("%s must not be empty", description)
	}
	return nil
}

func Empty(field, description string) error {
	if field != "" {
		return fmt.Errorf("%s must be empty", description)
	}
	return nil
}

func MatchesAllowed[T comparable](field T, allowed []T, description string) error {
	if !slices.Contains(allowed, field) {
		return fmt.Errorf("%s must be one of %v, got %v", description, allowed, field)
	}
	return nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Identifier checks that field can be used as a template variable name.
func Identifier(field, description string) error {
	if !identRe.MatchString(field) {
		return fmt.Errorf("%s must be an identifier, got %q", description, field)
	}
	if strings.HasPrefix(field, "_tt_") {
		return fmt.Errorf("%s must not start with the reserved prefix _tt_, got %q", description, field)
	}
	return nil
}

// HTTPURL checks that field is an absolute http or https URL.
func HTTPURL(field, description string) error {
	u, err := url.Parse(field)
	if err != nil {
		return fmt.Errorf("%s: %w", description, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", description, field)
	}
	return nil
}

// HasNoDirectives rejects values containing template directives, such as
// names that will be resolved rather than rendered.
func HasNoDirectives(field string, description string) error {
	if field != "" && (strings.Contains(field, "{{") || strings.Contains(field, "{%")) {
		return fmt.Errorf("%s must not contain template directives", description)
	}
	return nil
}
