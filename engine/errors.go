package engine

import "errors"

// Sentinel errors
var (
	// ErrCursorDrained is returned when a retrieve result is consumed twice.
	ErrCursorDrained = errors.New("retrieve result has already been drained")
	// ErrUnresolvedExpression indicates a definition name that the library does not declare.
	ErrUnresolvedExpression = errors.New("could not resolve expression reference")
	// ErrFunctionReference indicates a function definition was evaluated without arguments.
	ErrFunctionReference = errors.New("function definitions cannot be evaluated without arguments")
	// ErrCyclicReference indicates a definition that refers to itself.
	ErrCyclicReference = errors.New("cyclic expression reference")
	// ErrNoDataProvider indicates a retrieve for a model without a registered data provider.
	ErrNoDataProvider = errors.New("no data provider registered")
	// ErrNoTerminologyProvider indicates a value set lookup without a terminology provider.
	ErrNoTerminologyProvider = errors.New("no terminology provider registered")
	// ErrNoLibraryLoader indicates an included library reference without a loader.
	ErrNoLibraryLoader = errors.New("no library loader registered")
	// ErrUnknownContext indicates a context name the library does not use.
	ErrUnknownContext = errors.New("unknown context")
	// ErrNotSingleton is returned when SingletonFrom meets more than one element.
	ErrNotSingleton = errors.New("expression must return at most one element")
	// ErrNotIterable indicates a list operator applied to a scalar.
	ErrNotIterable = errors.New("value is not a list or retrieve result")
	// ErrParameterNotDefined indicates a parameter value for a name the library does not declare.
	ErrParameterNotDefined = errors.New("parameter is not defined")
	// ErrInvalidDecimalString is returned when text cannot be parsed as decimal.
	ErrInvalidDecimalString = errors.New("invalid decimal string")
	// ErrInvalidDateTime is returned when text cannot be parsed as a date or datetime.
	ErrInvalidDateTime = errors.New("invalid date/time string")
	// ErrCompile indicates an expression failed to compile.
	ErrCompile = errors.New("failed to compile expression")
)
