// Package translator turns CQL library source into an executable elm.Library.
//
// Library headers are matched with parser combinators. Define bodies are rewritten into CEL
// and type-checked against the engine environment, so errors carry CQL source spans.
package translator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	pc "github.com/shibukawa/parsercombinator"
	"go.uber.org/zap"

	"github.com/shibukawa/cqlexec/elm"
	"github.com/shibukawa/cqlexec/engine"
	tok "github.com/shibukawa/cqlexec/tokenizer"
)

// DefaultContext is the context of definitions that precede any context statement.
const DefaultContext = "Unfiltered"

type options struct {
	logger *zap.Logger
}

// Option configures Translate.
type Option func(*options)

// WithLogger sets the logger that receives translation diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

var headers = map[tok.TokenType]pc.Parser[tok.Token]{
	tok.LIBRARY:    libraryHeader,
	tok.USING:      usingHeader,
	tok.INCLUDE:    includeHeader,
	tok.CODESYSTEM: codeSystemHeader,
	tok.VALUESET:   valueSetHeader,
	tok.CODE:       codeHeader,
	tok.PARAMETER:  parameterHeader,
	tok.CONTEXT:    contextHeader,
	tok.DEFINE:     defineHeader,
}

var nonIdentifierChars = regexp.MustCompile(`[^A-Za-z0-9_]+`)

func sanitize(name string) string {
	return nonIdentifierChars.ReplaceAllString(name, "_")
}

// pending is an expression waiting to be rewritten once every name is declared
type pending struct {
	def    *elm.ExpressionDef
	tokens []tok.Token
	span   elm.Span
	writer *celWriter
}

// translation is the state of one Translate call
type translation struct {
	source   string
	library  *elm.Library
	context  string
	contexts map[string]bool
	pending  []*pending
	errs     Errors
	logger   *zap.Logger
}

// Translate translates CQL source. On failure the error is an Errors value.
func Translate(source string, opts ...Option) (*elm.Library, error) {
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	t := &translation{
		source:   source,
		library:  &elm.Library{},
		context:  DefaultContext,
		contexts: make(map[string]bool),
		logger:   o.logger,
	}

	tokens, tokenErrs := tok.New(source, tok.Options{SkipWhitespace: true, SkipComments: true}).AllTokens()
	for _, err := range tokenErrs {
		t.errs = append(t.errs, fromTokenizerError(err))
	}

	if len(tokens) > 0 && tokens[len(tokens)-1].Type == tok.EOF {
		tokens = tokens[:len(tokens)-1]
	}

	for _, s := range splitStatements(tokens) {
		t.declare(s)
	}

	t.rewrite()

	if len(t.errs) == 0 {
		t.check()
	}

	if len(t.errs) > 0 {
		return nil, t.errs
	}

	t.logger.Debug("translated library",
		zap.String("library", t.library.Identifier.String()),
		zap.Int("statements", len(t.library.Statements)))

	return t.library, nil
}

func (t *translation) fail(err *Error) {
	t.errs = append(t.errs, err)
}

// declare records the header of one statement. Expressions are rewritten later.
func (t *translation) declare(s statement) {
	lib := t.library
	span := rangeSpan(s.first(), s.last())

	keyword := s.first()
	if (keyword.Type == tok.PUBLIC || keyword.Type == tok.PRIVATE) && len(s.tokens) > 1 {
		keyword = s.tokens[1]
	}

	header, ok := headers[keyword.Type]
	if !ok {
		t.fail(newError(tokenSpan(s.first()), "unexpected token %q, a declaration is expected", s.first().Value))
		return
	}

	f, ok := parseHeader(header, s)
	if !ok {
		t.fail(newError(span, "invalid %s statement", strings.ToLower(keyword.Value)))
		return
	}

	switch keyword.Type {
	case tok.LIBRARY:
		lib.Identifier = elm.VersionedIdentifier{ID: f.name("name"), Version: f.text("version")}
	case tok.USING:
		model := f.name("name")
		lib.Usings = append(lib.Usings, elm.UsingDef{LocalIdentifier: model, URI: elm.ModelURI(model), Version: f.text("version")})
	case tok.INCLUDE:
		t.declareInclude(f)
	case tok.CODESYSTEM:
		lib.CodeSystems = append(lib.CodeSystems, elm.CodeSystemDef{
			Name: f.name("name"), ID: f.text("id"), Version: f.text("version"), Access: accessOf(f),
		})
	case tok.VALUESET:
		t.declareValueSet(f)
	case tok.CODE:
		t.declareCode(f)
	case tok.PARAMETER:
		t.declareParameter(f, span)
	case tok.CONTEXT:
		t.enterContext(f.name("name"), span)
	case tok.DEFINE:
		t.declareDefine(f, span)
	}
}

func accessOf(f fields) string {
	if f.has("access") {
		return f["access"][0].Value
	}

	return "public"
}

func (t *translation) declareInclude(f fields) {
	path := f.name("name")

	alias := f.name("alias")
	if alias == "" {
		alias = path
	}

	t.library.Includes = append(t.library.Includes, elm.IncludeDef{
		LocalIdentifier: alias, Path: path, Version: f.text("version"),
	})
}

func (t *translation) declareValueSet(f fields) {
	vs := elm.ValueSetDef{
		Name: f.name("name"), ID: f.text("id"), Version: f.text("version"), Access: accessOf(f),
	}

	for _, cs := range f["codesystem"] {
		if _, ok := t.library.ResolveCodeSystem(cs.Name()); !ok {
			t.fail(newError(tokenSpan(cs), "could not resolve code system %s", cs.Name()))
		}

		vs.CodeSystems = append(vs.CodeSystems, cs.Name())
	}

	t.library.ValueSets = append(t.library.ValueSets, vs)
}

func (t *translation) declareCode(f fields) {
	system := f.name("codesystem")
	if _, ok := t.library.ResolveCodeSystem(system); !ok {
		t.fail(newError(tokenSpan(f["codesystem"][0]), "could not resolve code system %s", system))
	}

	t.library.Codes = append(t.library.Codes, elm.CodeDef{
		Name: f.name("name"), ID: f.text("id"), CodeSystem: system, Display: f.text("display"), Access: accessOf(f),
	})
}

func (t *translation) declareParameter(f fields, span elm.Span) {
	name := f.name("name")
	param := &elm.ParameterDef{
		Name:       name,
		Access:     accessOf(f),
		Type:       f.source("type", t.source),
		Identifier: "param_" + sanitize(name),
	}

	if f.has("default") {
		body := f["default"]
		param.Default = &elm.ExpressionDef{
			Name:       name,
			Context:    t.context,
			Access:     param.Access,
			Locator:    span,
			Source:     f.source("default", t.source),
			Identifier: param.Identifier + "_default",
		}
		t.pending = append(t.pending, &pending{def: param.Default, tokens: body, span: span})
	}

	t.library.Parameters = append(t.library.Parameters, param)
}

// enterContext switches the context of the following definitions and declares the implicit
// definition of the context subject.
func (t *translation) enterContext(name string, span elm.Span) {
	t.context = name

	if name == DefaultContext || name == "Population" || t.contexts[name] {
		return
	}

	t.contexts[name] = true

	if t.library.DataModelURI() == "" {
		t.fail(newError(span, "context %s requires a using declaration", name))
		return
	}

	t.library.Statements = append(t.library.Statements, &elm.ExpressionDef{
		Name:       name,
		Context:    name,
		Access:     "private",
		Implicit:   true,
		Locator:    span,
		Source:     fmt.Sprintf("SingletonFrom([%s])", name),
		Translated: fmt.Sprintf("%s(%s(%s))", engine.FuncSingletonFrom, engine.FuncRetrieve, strconv.Quote(name)),
		Identifier: t.identifier(name),
	})
}

func (t *translation) identifier(name string) string {
	return fmt.Sprintf("def_%s_%d", sanitize(name), len(t.library.Statements))
}

func (t *translation) declareDefine(f fields, span elm.Span) {
	name := f.name("name")
	def := &elm.ExpressionDef{
		Name:       name,
		Context:    t.context,
		Access:     accessOf(f),
		Locator:    span,
		Identifier: t.identifier(name),
	}

	if f.has("body") {
		def.Source = f.source("body", t.source)
	}

	if f.has("function") {
		def.Function = true
		def.Fluent = f.has("fluent")
		def.ReturnType = f.source("returns", t.source)

		if f.has("external") {
			def.Source = "external"
		}

		operands := f["operand"]
		for i, operand := range operands {
			def.Operands = append(def.Operands, elm.OperandDef{Name: operand.Name(), Type: t.operandType(f, operands, i)})
		}

		t.library.Statements = append(t.library.Statements, def)

		return
	}

	t.library.Statements = append(t.library.Statements, def)
	t.pending = append(t.pending, &pending{def: def, tokens: f["body"], span: span})
}

// operandType returns the type text written after the i-th operand name
func (t *translation) operandType(f fields, operands []tok.Token, i int) string {
	var typeTokens []tok.Token

	for _, typ := range f["operandType"] {
		if typ.Position.Offset < operands[i].Position.Offset {
			continue
		}

		if i+1 < len(operands) && typ.Position.Offset > operands[i+1].Position.Offset {
			break
		}

		typeTokens = append(typeTokens, typ)
	}

	return fields{"type": typeTokens}.source("type", t.source)
}

// externalRef returns the CEL identifier of a definition in an included library
func (t *translation) externalRef(alias, name string) string {
	identifier := "inc_" + sanitize(alias) + "_" + sanitize(name)
	if _, ok := t.library.ResolveExternal(identifier); !ok {
		t.library.ExternalRefs = append(t.library.ExternalRefs, elm.ExternalRef{
			Identifier: identifier, LibraryName: alias, Name: name,
		})
	}

	return identifier
}

func (t *translation) codeReference(code elm.CodeDef, span elm.Span) (*fragment, error) {
	cs, ok := t.library.ResolveCodeSystem(code.CodeSystem)
	if !ok {
		return nil, newError(span, "could not resolve code system %s", code.CodeSystem)
	}

	args := strconv.Quote(code.ID) + ", " + strconv.Quote(cs.ID)
	if code.Display != "" {
		args += ", " + strconv.Quote(code.Display)
	}

	return frag(span, engine.FuncCode+"("+args+")"), nil
}

// rewrite turns every pending CQL expression into CEL
func (t *translation) rewrite() {
	for _, p := range t.pending {
		parser := &exprParser{t: t, tokens: p.tokens}

		f, err := parser.parse()
		if err != nil {
			t.failWith(err, p.span)
			continue
		}

		p.writer = render(f)
		p.def.Translated = p.writer.String()
	}
}

func (t *translation) failWith(err error, span elm.Span) {
	if e, ok := err.(*Error); ok {
		if e.Span == nil {
			e.Span = &span
		}

		t.fail(e)

		return
	}

	t.fail(newError(span, "%s", err.Error()))
}

// check compiles every translated expression and maps CEL issues back to CQL spans
func (t *translation) check() {
	env, err := engine.NewCompileEnv(engine.Variables(t.library))
	if err != nil {
		t.fail(&Error{Message: err.Error()})
		return
	}

	for _, def := range t.library.Statements {
		if def.Implicit {
			t.compile(env, &pending{def: def, span: def.Locator})
		}
	}

	for _, p := range t.pending {
		t.compile(env, p)
	}
}

func (t *translation) compile(env *cel.Env, p *pending) {
	ast, iss := env.Compile(p.def.Translated)
	if iss.Err() != nil {
		for _, e := range iss.Errors() {
			span := p.span

			if p.writer != nil && e.Location.Line() >= 1 {
				if s, ok := p.writer.spanAt(e.Location.Column()); ok {
					span = s
				}
			}

			t.fail(newError(span, "%s", e.Message))
		}

		return
	}

	p.def.ResultType = ast.OutputType().String()

	t.logger.Debug("translated definition",
		zap.String("name", p.def.Name),
		zap.String("cel", p.def.Translated),
		zap.String("type", p.def.ResultType))
}
