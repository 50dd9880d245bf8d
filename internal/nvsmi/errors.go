package nvsmi

import (
	"errors"
	"fmt"
)

var (
	// ErrToolNotFound means the diagnostic tool binary could not be located.
	ErrToolNotFound = errors.New("nvidia-smi could not be found")
	// ErrNotAvailable means the tool reported "N/A" for a required field.
	ErrNotAvailable = errors.New("value not available")
	// ErrMalformed means the tool output did not have the expected shape.
	ErrMalformed = errors.New("malformed tool output")
)

// EnvironmentError reports that the diagnostic tool cannot be used on this host.
// It is only returned while setting up, never from a sampling tick.
type EnvironmentError struct {
	Path string
	Err  error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("environment error: %s: %v", e.Path, e.Err)
}

func (e *EnvironmentError) Unwrap() error {
	return e.Err
}

// ParseError reports a field of the query output that could not be read.
type ParseError struct {
	GPU   int
	Field string
	Text  string
	Err   error
}

func (e *ParseError) Error() string {
	if e.GPU < 0 {
		return fmt.Sprintf("parse %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("parse gpu %d %s %q: %v", e.GPU, e.Field, e.Text, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
