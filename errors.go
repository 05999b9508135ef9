package codebroker

import "errors"

// Common errors
var (
	// ErrInvalidConfig is returned when the client configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrClientAlreadyStarted is returned when Start is called twice
	ErrClientAlreadyStarted = errors.New("client already started")

	// ErrClientNotStarted is returned when Stop is called before Start
	ErrClientNotStarted = errors.New("client not started")

	// ErrTaskNotFound is returned when a task does not exist
	ErrTaskNotFound = errors.New("task not found")

	// ErrUnknownRuntime is returned when a task names an unregistered runtime
	ErrUnknownRuntime = errors.New("unknown runtime")
)
