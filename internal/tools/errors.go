package tools

import (
	"errors"
	"fmt"
)

// UnknownToolError is returned for calls naming a tool that was not offered
// for the turn.
type UnknownToolError struct{ Name string }

func (e UnknownToolError) Error() string { return fmt.Sprintf("unknown tool: %s", e.Name) }

func IsUnknownTool(err error) bool {
	var e UnknownToolError
	return errors.As(err, &e)
}

// ErrNoSearchProvider is reported by search_text when no provider is set up.
var ErrNoSearchProvider = errors.New("no search provider configured")

// ErrContextExhausted means the prompt leaves no room for retrieved text.
var ErrContextExhausted = errors.New("could not trim response because the max length is less or equal to 0")
