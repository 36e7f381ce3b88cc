package errors

import (
	"fmt"
)

// ErrFileChanged is returned when a file's contents no longer match the hash
// it was requested with.
var ErrFileChanged = New("file contents changed during transfer")

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// InvalidFieldError represents a field whose value is out of range or has
// the wrong format.
type InvalidFieldError struct {
	Field, Reason string
}

func (err InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", err.Field, err.Reason)
}
