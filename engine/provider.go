package engine

import (
	"context"

	"github.com/shibukawa/cqlexec/elm"
)

// Code is a terminology code.
type Code struct {
	Code    string
	System  string
	Version string
	Display string
}

// RetrieveRequest describes a retrieve expression at evaluation time.
type RetrieveRequest struct {
	DataType string
	// Context is the name of the current context, such as Patient.
	Context string
	// ContextValue is the id of the context subject. Empty means unfiltered.
	ContextValue string
	// ValueSet is the URL of the value set filtering the retrieve.
	ValueSet string
	// Codes holds the expansion of ValueSet for providers that filter by codes.
	Codes []Code
}

// DataProvider retrieves resources of a data model.
type DataProvider interface {
	Retrieve(ctx context.Context, req RetrieveRequest) (Cursor, error)
}

// CodeFilteringProvider is implemented by data providers that want value
// sets expanded to codes before Retrieve is called.
type CodeFilteringProvider interface {
	DataProvider
	ExpandsValueSets() bool
}

// TerminologyProvider expands value sets.
type TerminologyProvider interface {
	Expand(ctx context.Context, valueSetURL string) ([]Code, error)
}

// LibraryLoader resolves included libraries.
type LibraryLoader interface {
	Load(ctx context.Context, id elm.VersionedIdentifier) (*elm.Library, error)
}

// LibraryLoaderFunc adapts a function to LibraryLoader.
type LibraryLoaderFunc func(ctx context.Context, id elm.VersionedIdentifier) (*elm.Library, error)

// Load implements LibraryLoader.
func (f LibraryLoaderFunc) Load(ctx context.Context, id elm.VersionedIdentifier) (*elm.Library, error) {
	return f(ctx, id)
}

// DataProviderFunc adapts a function to DataProvider.
type DataProviderFunc func(ctx context.Context, req RetrieveRequest) (Cursor, error)

// Retrieve implements DataProvider.
func (f DataProviderFunc) Retrieve(ctx context.Context, req RetrieveRequest) (Cursor, error) {
	return f(ctx, req)
}
