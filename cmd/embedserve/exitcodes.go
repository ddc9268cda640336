package main

import (
	"errors"

	"github.com/nidhogg/embedserve/internal/embedding"
)

// Exit codes of the embedserve binary.
const (
	ExitSuccess      = 0 // Success
	ExitError        = 1 // General error (invalid arguments, runtime failure)
	ExitConfigError  = 2 // Configuration could not be loaded or is invalid
	ExitStartupError = 3 // No model could be loaded
)

// exitError carries the exit code a failure should produce.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error {
	return &exitError{code: ExitConfigError, err: err}
}

// exitCode maps err onto the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var se *embedding.StartupError
	if errors.As(err, &se) {
		return ExitStartupError
	}
	return ExitError
}
