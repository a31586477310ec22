package sysinfo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goversion "github.com/hashicorp/go-version"

	"github.com/oshokin/app-installer/internal/logger"
)

// constraintPrefixes mark expectations that are version constraints.
//
//nolint:gochecknoglobals // Read-only lookup table.
var constraintPrefixes = []string{">=", "<=", "!=", "~>", ">", "<", "="}

// errRequirementsUnmet is wrapped by RequirementsError.
var errRequirementsUnmet = errors.New("system requirements not met")

// Failure is one unmet requirement.
type Failure struct {
	// Token is the requirement as written in the configuration.
	Token string
	// Fact is the checked fact.
	Fact Fact
	// Actual is the detected value.
	Actual string
	// Reason explains the mismatch.
	Reason string
}

// String renders the failure for logs and error messages.
func (f Failure) String() string {
	if f.Actual == "" {
		return fmt.Sprintf("%s: %s", f.Token, f.Reason)
	}

	return fmt.Sprintf("%s: %s (detected %q)", f.Token, f.Reason, f.Actual)
}

// RequirementsError carries every unmet requirement of one check.
type RequirementsError struct {
	// Failures lists the unmet requirements in token order.
	Failures []Failure
}

// Error implements the error interface.
func (e *RequirementsError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, failure := range e.Failures {
		parts = append(parts, failure.String())
	}

	return fmt.Sprintf("%v: %s", errRequirementsUnmet, strings.Join(parts, "; "))
}

// Unwrap lets errors.Is match the unmet-requirements sentinel.
func (e *RequirementsError) Unwrap() error {
	return errRequirementsUnmet
}

// CheckRequirements evaluates every token and accumulates all mismatches.
// It returns nil when every requirement holds.
func (d *Detector) CheckRequirements(ctx context.Context, tokens []string) []Failure {
	var failures []Failure

	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}

		failure, ok := d.check(ctx, token)
		if ok {
			logger.DebugKV(ctx, "Requirement met", "requirement", token)
			continue
		}

		logger.WarnKV(ctx, "Requirement not met", "requirement", token, "reason", failure.Reason, "detected", failure.Actual)
		failures = append(failures, failure)
	}

	return failures
}

// Require is CheckRequirements returning a *RequirementsError when anything is unmet.
func (d *Detector) Require(ctx context.Context, tokens []string) error {
	failures := d.CheckRequirements(ctx, tokens)
	if len(failures) == 0 {
		return nil
	}

	return &RequirementsError{Failures: failures}
}

// check evaluates one token.
func (d *Detector) check(ctx context.Context, token string) (Failure, bool) {
	name, expected, found := strings.Cut(token, ":")
	name, expected = strings.TrimSpace(name), strings.TrimSpace(expected)

	if !found || name == "" || expected == "" {
		return Failure{Token: token, Reason: "malformed requirement, expected fact:value"}, false
	}

	fact := Fact(strings.ToLower(name))

	actual, err := d.Detect(ctx, fact)
	if err != nil {
		return Failure{Token: token, Fact: fact, Reason: err.Error()}, false
	}

	if isConstraint(expected) {
		return checkConstraint(token, fact, actual, expected)
	}

	if matchesAny(actual, expected) {
		return Failure{}, true
	}

	return Failure{Token: token, Fact: fact, Actual: actual, Reason: "expected one of " + expected}, false
}

// isConstraint reports whether the expectation starts with a comparison operator.
func isConstraint(expected string) bool {
	for _, prefix := range constraintPrefixes {
		if strings.HasPrefix(expected, prefix) {
			return true
		}
	}

	return false
}

// checkConstraint compares the detected value with a version constraint.
func checkConstraint(token string, fact Fact, actual, expected string) (Failure, bool) {
	constraints, err := goversion.NewConstraint(expected)
	if err != nil {
		return Failure{Token: token, Fact: fact, Reason: fmt.Sprintf("invalid constraint: %v", err)}, false
	}

	detected, err := goversion.NewVersion(actual)
	if err != nil {
		return Failure{Token: token, Fact: fact, Actual: actual, Reason: "detected value is not comparable"}, false
	}

	if !constraints.Check(detected) {
		return Failure{Token: token, Fact: fact, Actual: actual, Reason: "does not satisfy " + expected}, false
	}

	return Failure{}, true
}

// matchesAny compares case-insensitively against |-separated alternatives.
// Colon-separated detected values, like XDG_CURRENT_DESKTOP=ubuntu:GNOME, match on any part.
func matchesAny(actual, expected string) bool {
	parts := strings.Split(actual, ":")

	for _, alternative := range strings.Split(expected, "|") {
		alternative = strings.TrimSpace(alternative)

		for _, part := range parts {
			if strings.EqualFold(strings.TrimSpace(part), alternative) {
				return true
			}
		}
	}

	return false
}
