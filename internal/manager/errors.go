package manager

import (
	"errors"
	"fmt"
)

// modelNotFoundError is returned when a requested model is not configured.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// modelUnavailableError is returned for configured models that failed to load
// or whose service has no backend.
type modelUnavailableError struct {
	id     string
	reason string
}

func (e modelUnavailableError) Error() string {
	return fmt.Sprintf("model %s unavailable: %s", e.id, e.reason)
}

// IsModelUnavailable reports whether err indicates a configured but unloaded
// model.
func IsModelUnavailable(err error) bool {
	var e modelUnavailableError
	return errors.As(err, &e)
}

// FilterBlockedError stops a turn whose input matched a content filter.
type FilterBlockedError struct {
	Modality string
	Action   string
	Label    string
}

func (e FilterBlockedError) Error() string {
	return fmt.Sprintf("content blocked by %s filter (%s: %s)", e.Modality, e.Action, e.Label)
}

func IsFilterBlocked(err error) bool {
	var e FilterBlockedError
	return errors.As(err, &e)
}

// ErrCallerGone is returned when the event sink stops accepting events.
var ErrCallerGone = errors.New("caller stopped receiving events")

// ErrNoKey is returned for inference requests without a resolved API key.
var ErrNoKey = errors.New("inference requires an api key")
