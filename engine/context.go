package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/interpreter"
	"go.uber.org/zap"

	"github.com/shibukawa/cqlexec/elm"
)

// Contexts every library may enter even without statements in them.
var builtinContexts = []string{"Patient", "Unfiltered", "Population"}

// Context evaluates the definitions of one library.
//
// A Context belongs to a single request and is not safe for concurrent use:
// definitions are evaluated one at a time and results are cached for the
// lifetime of the Context.
type Context struct {
	library *elm.Library
	logger  *zap.Logger
	now     time.Time
	env     *cel.Env

	programs   map[string]cel.Program
	memo       map[string]ref.Val
	evaluating map[string]bool

	dataProviders map[string]DataProvider
	terminology   TerminologyProvider
	loader        LibraryLoader
	valueSets     map[string][]Code

	currentContext string
	contextValues  map[string]string
	parameters     map[string]ref.Val
	includes       map[string]*Context

	// retrieves is shared with included libraries
	retrieves *retrieveTracker

	// ctx is the context.Context of the running Evaluate call
	ctx context.Context
}

// Option configures a Context
type Option func(*Context)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Context) {
		c.logger = logger
	}
}

// WithNow fixes the evaluation timestamp used by Now, Today and AgeInYears.
func WithNow(now time.Time) Option {
	return func(c *Context) {
		c.now = now
	}
}

// NewContext creates an evaluation context for lib.
func NewContext(lib *elm.Library, options ...Option) (*Context, error) {
	c := &Context{
		library:       lib,
		logger:        zap.NewNop(),
		now:           time.Now(),
		programs:      make(map[string]cel.Program),
		memo:          make(map[string]ref.Val),
		evaluating:    make(map[string]bool),
		dataProviders: make(map[string]DataProvider),
		valueSets:     make(map[string][]Code),
		contextValues: make(map[string]string),
		parameters:    make(map[string]ref.Val),
		includes:      make(map[string]*Context),
		retrieves:     &retrieveTracker{},
		ctx:           context.Background(),
	}

	for _, option := range options {
		option(c)
	}

	env, err := newEnv(Variables(lib), c)
	if err != nil {
		return nil, err
	}

	c.env = env
	c.currentContext = lib.FirstContext()

	return c, nil
}

// Library returns the library being evaluated.
func (c *Context) Library() *elm.Library {
	return c.library
}

// RegisterDataProvider binds a data provider to a model URI such as http://hl7.org/fhir.
func (c *Context) RegisterDataProvider(modelURI string, provider DataProvider) {
	c.dataProviders[modelURI] = provider
}

// RegisterTerminologyProvider sets the provider used to expand value sets.
func (c *Context) RegisterTerminologyProvider(provider TerminologyProvider) {
	c.terminology = provider
}

// RegisterLibraryLoader sets the loader used to resolve included libraries.
func (c *Context) RegisterLibraryLoader(loader LibraryLoader) {
	c.loader = loader
}

// EnterContext switches the current context, such as Patient.
func (c *Context) EnterContext(name string) error {
	if !slices.Contains(builtinContexts, name) && !slices.ContainsFunc(c.library.Statements, func(def *elm.ExpressionDef) bool {
		return def.Context == name
	}) {
		return fmt.Errorf("%w: %s", ErrUnknownContext, name)
	}

	if name != c.currentContext {
		c.memo = make(map[string]ref.Val)
	}

	c.currentContext = name

	return nil
}

// CurrentContext returns the name of the current context.
func (c *Context) CurrentContext() string {
	return c.currentContext
}

// SetContextValue sets the subject of a context, such as the patient id for Patient.
func (c *Context) SetContextValue(contextType, value string) {
	c.contextValues[contextType] = value
	c.memo = make(map[string]ref.Val)
}

// ContextValue returns the subject of a context.
func (c *Context) ContextValue(contextType string) (string, bool) {
	v, ok := c.contextValues[contextType]
	return v, ok
}

// SetParameter overrides the value of a library parameter.
func (c *Context) SetParameter(name string, value any) error {
	p, ok := c.library.ResolveParameter(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrParameterNotDefined, name)
	}

	c.parameters[p.Name] = decimalTypeAdapter{}.NativeToValue(value)
	c.memo = make(map[string]ref.Val)

	return nil
}

// Result is the outcome of evaluating one definition.
// Exactly one of Value and Err is set.
type Result struct {
	Value Value
	Err   error
}

// Evaluable is a resolved definition ready to be evaluated.
type Evaluable interface {
	Name() string
	Evaluate(ctx context.Context) Result
}

type expressionRef struct {
	c   *Context
	def *elm.ExpressionDef
}

func (e *expressionRef) Name() string {
	return e.def.Name
}

// Evaluate evaluates the definition and converts the outcome to a Value.
//
// Every retrieve opened during the evaluation is closed before Evaluate
// returns unless it is the returned Value itself, which the caller must drain.
func (e *expressionRef) Evaluate(ctx context.Context) Result {
	restore := e.c.bind(ctx)
	defer restore()

	result := e.evaluate(ctx)

	keep, _ := result.Value.(*Retrieve)
	if err := e.c.retrieves.release(keep); err != nil {
		e.c.logger.Warn("failed to release retrieve results",
			zap.String("name", e.def.Name),
			zap.Error(err))
	}

	return result
}

func (e *expressionRef) evaluate(ctx context.Context) Result {
	val, err := e.c.evaluateDef(e.def)
	if err != nil {
		return Result{Err: err}
	}

	v, err := FromCEL(ctx, val)
	if err != nil {
		return Result{Err: err}
	}

	return Result{Value: v}
}

// ResolveExpressionRef finds a non-function definition by name.
func (c *Context) ResolveExpressionRef(name string) (Evaluable, error) {
	def, ok := c.library.ResolveExpression(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnresolvedExpression, name)
	}

	if def.Function {
		return nil, fmt.Errorf("%w: %s", ErrFunctionReference, name)
	}

	return &expressionRef{c: c, def: def}, nil
}

func (c *Context) bind(ctx context.Context) func() {
	prev := c.ctx
	c.ctx = ctx

	return func() {
		c.ctx = prev
	}
}

func (c *Context) program(key, source string) (cel.Program, error) {
	if prg, ok := c.programs[key]; ok {
		return prg, nil
	}

	ast, iss := c.env.Compile(source)
	if iss.Err() != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrCompile, key, iss.Err())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrCompile, key, err)
	}

	c.programs[key] = prg

	return prg, nil
}

func (c *Context) evaluateDef(def *elm.ExpressionDef) (ref.Val, error) {
	if v, ok := c.memo[def.Identifier]; ok {
		return v, nil
	}

	if c.evaluating[def.Identifier] {
		return nil, fmt.Errorf("%w: %s", ErrCyclicReference, def.Name)
	}

	c.evaluating[def.Identifier] = true
	defer delete(c.evaluating, def.Identifier)

	prg, err := c.program(def.Identifier, def.Translated)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("evaluating definition",
		zap.String("library", c.library.Identifier.String()),
		zap.String("name", def.Name),
		zap.String("context", c.currentContext))

	out, _, err := prg.Eval(&activation{c: c})
	if err != nil {
		return nil, err
	}

	if !containsRetrieve(out) {
		c.memo[def.Identifier] = out
	}

	return out, nil
}

func (c *Context) parameterValue(p *elm.ParameterDef) (ref.Val, error) {
	if v, ok := c.parameters[p.Name]; ok {
		return v, nil
	}

	if p.Default == nil {
		return types.NullValue, nil
	}

	return c.evaluateDef(p.Default)
}

func (c *Context) external(ext elm.ExternalRef) (ref.Val, error) {
	included, err := c.include(ext.LibraryName)
	if err != nil {
		return nil, err
	}

	def, ok := included.library.ResolveExpression(ext.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnresolvedExpression, ext.LibraryName, ext.Name)
	}

	restore := included.bind(c.ctx)
	defer restore()

	return included.evaluateDef(def)
}

// include returns the context of an included library, loading it on first use
func (c *Context) include(alias string) (*Context, error) {
	if included, ok := c.includes[alias]; ok {
		return included, nil
	}

	inc, ok := c.library.ResolveInclude(alias)
	if !ok {
		return nil, fmt.Errorf("%w: library alias %s", ErrUnresolvedExpression, alias)
	}

	if c.loader == nil {
		return nil, fmt.Errorf("%w: cannot load %s", ErrNoLibraryLoader, inc.Path)
	}

	lib, err := c.loader.Load(c.ctx, elm.VersionedIdentifier{ID: inc.Path, Version: inc.Version})
	if err != nil {
		return nil, fmt.Errorf("failed to load library %s: %w", inc.Path, err)
	}

	included, err := NewContext(lib, WithLogger(c.logger), WithNow(c.now))
	if err != nil {
		return nil, err
	}

	included.dataProviders = c.dataProviders
	included.terminology = c.terminology
	included.loader = c.loader
	included.valueSets = c.valueSets
	included.contextValues = c.contextValues
	included.retrieves = c.retrieves
	included.currentContext = c.currentContext
	c.includes[alias] = included

	return included, nil
}

// activation resolves definition, parameter and include references lazily
type activation struct {
	c *Context
}

var _ interpreter.Activation = (*activation)(nil)

func (a *activation) ResolveName(name string) (any, bool) {
	lib := a.c.library

	if def, ok := lib.ResolveIdentifier(name); ok {
		return resolved(a.c.evaluateDef(def))
	}

	if p, ok := lib.ResolveParameter(name); ok {
		return resolved(a.c.parameterValue(p))
	}

	if ext, ok := lib.ResolveExternal(name); ok {
		return resolved(a.c.external(ext))
	}

	return nil, false
}

func (a *activation) Parent() interpreter.Activation {
	return nil
}

func resolved(v ref.Val, err error) (any, bool) {
	if err != nil {
		return types.WrapErr(err), true
	}

	return v, true
}
