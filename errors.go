package cqlexec

import "errors"

// Common errors used across cqlexec commands
var (
	// ErrUnknownDatabase indicates a provider refers to a database that is not configured.
	ErrUnknownDatabase = errors.New("database is not configured")
	// ErrUnsupportedProvider indicates a provider type that cannot be constructed.
	ErrUnsupportedProvider = errors.New("unsupported provider type")
	// ErrInvalidLogLevel indicates a logging level zap does not understand.
	ErrInvalidLogLevel = errors.New("invalid log level")
)
