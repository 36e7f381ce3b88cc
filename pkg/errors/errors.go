package errors

import (
	goerrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// New returns an error with the given message.
func New(msg string) error {
	return goerrors.New(msg)
}

// WithContext annotates `err` with a description of what was being attempted
// when it occurred. It returns nil if `err` is nil.
func WithContext(err error, context string) error {
	return errors.WithMessage(err, context)
}

// RootCause returns the error that was originally wrapped by WithContext.
func RootCause(err error) error {
	return errors.Cause(err)
}

// FriendlyError is an error whose message is shown to users as is, rather
// than as a chain of contexts.
type FriendlyError struct {
	template string
	args     []interface{}
}

// NewFriendlyError creates a FriendlyError from a fmt template.
func NewFriendlyError(template string, args ...interface{}) error {
	return FriendlyError{template, args}
}

func (err FriendlyError) Error() string {
	return err.FriendlyMessage()
}

// FriendlyMessage returns the formatted message.
func (err FriendlyError) FriendlyMessage() string {
	return fmt.Sprintf(err.template, err.args...)
}

type friendlyMessager interface {
	FriendlyMessage() string
}

// GetPrintableMessage returns the friendly message of `err` if the root cause
// has one, and the full error chain otherwise.
func GetPrintableMessage(err error) string {
	if friendly, ok := RootCause(err).(friendlyMessager); ok {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}
