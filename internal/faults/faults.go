// Package faults defines the error taxonomy shared by all pipeline stages.
//
// Every error a stage returns wraps exactly one of the four class sentinels,
// so callers can branch with errors.Is without knowing which stage failed:
//
//   - ErrConfiguration: invalid settings or missing inputs, raised before any mutation.
//   - ErrIntegrity: a conservation or disjointness invariant was violated.
//   - ErrSkippable: a data issue that is logged and excluded, never returned by a stage.
//   - ErrUndefinedMetric: a statistic was requested over input that cannot define it.
package faults

import (
	"errors"
	"fmt"
)

// Error classes.
var (
	ErrConfiguration   = errors.New("configuration error")
	ErrIntegrity       = errors.New("integrity violation")
	ErrSkippable       = errors.New("skippable data issue")
	ErrUndefinedMetric = errors.New("undefined metric")
)

// Configuration errors.
var (
	ErrEmptyPool     = fmt.Errorf("%w: identity pool is empty", ErrConfiguration)
	ErrBadRatios     = fmt.Errorf("%w: split ratios must sum to 1", ErrConfiguration)
	ErrMissingSource = fmt.Errorf("%w: source directory not found", ErrConfiguration)
)

// Integrity errors.
var (
	ErrEmptySplit      = fmt.Errorf("%w: empty split", ErrIntegrity)
	ErrLeakage         = fmt.Errorf("%w: identity present in more than one partition", ErrIntegrity)
	ErrIdentityLoss    = fmt.Errorf("%w: identity count not conserved", ErrIntegrity)
	ErrEmptyClient     = fmt.Errorf("%w: empty client", ErrIntegrity)
	ErrPartialArtifact = fmt.Errorf("%w: artifact set is incomplete", ErrIntegrity)
	ErrInsufficient    = fmt.Errorf("%w: insufficient copied images", ErrIntegrity)
)

// Configf returns a configuration error with a formatted detail.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Integrityf returns an integrity error with a formatted detail.
func Integrityf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrIntegrity, fmt.Sprintf(format, args...))
}

// Class returns the class sentinel err belongs to, or nil if it belongs to none.
func Class(err error) error {
	for _, c := range []error{ErrConfiguration, ErrIntegrity, ErrSkippable, ErrUndefinedMetric} {
		if errors.Is(err, c) {
			return c
		}
	}
	return nil
}
