package main

import "errors"

// Sentinel errors for command operations
var (
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrDefinitionsFailed  = errors.New("some definitions failed")
	ErrTranslationFailed  = errors.New("translation failed")
	ErrDatabaseNotDefined = errors.New("database is not defined in config")
)
