package session

import "errors"

var (
	// ErrNotReady means the operation requires a Ready link.
	ErrNotReady = errors.New("session not ready")
	// ErrNoGroup means the operation requires a created group.
	ErrNoGroup = errors.New("group not created")
	// ErrAlreadyDispatching means an invite run is already in flight.
	ErrAlreadyDispatching = errors.New("invite dispatch already running")
	// ErrAlreadyInitializing rejects a restart racing a connect.
	ErrAlreadyInitializing = errors.New("session already initializing")
	// ErrDestroyed means the session was torn down.
	ErrDestroyed = errors.New("session destroyed")
	// ErrValidation tags malformed caller input; never retried.
	ErrValidation = errors.New("validation failed")
)
