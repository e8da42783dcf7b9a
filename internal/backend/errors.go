package backend

import (
	"errors"
	"fmt"
)

// MissingCapabilityError is returned when a registered implementation lacks
// one of the required operations.
type MissingCapabilityError struct {
	Service    string
	Capability string
}

func (e MissingCapabilityError) Error() string {
	return fmt.Sprintf("service %q does not implement %s", e.Service, e.Capability)
}

// IsMissingCapability reports whether err is a MissingCapabilityError.
func IsMissingCapability(err error) bool {
	var e MissingCapabilityError
	return errors.As(err, &e)
}

// InvalidConfigurationError rejects one model's configuration at load time.
type InvalidConfigurationError struct {
	Model  string
	Reason string
}

func (e InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration for model %q: %s", e.Model, e.Reason)
}

// IsInvalidConfiguration reports whether err is an InvalidConfigurationError.
func IsInvalidConfiguration(err error) bool {
	var e InvalidConfigurationError
	return errors.As(err, &e)
}

// ErrModelNotLoaded is returned by Inference for a name that was never loaded
// or has been offloaded.
var ErrModelNotLoaded = errors.New("model not loaded")

// dependencyUnavailableError signals a runtime dependency missing from this
// build or host (for example llama.cpp support).
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}
