package translator

import (
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/shibukawa/cqlexec/elm"
	"github.com/shibukawa/cqlexec/engine"
	tok "github.com/shibukawa/cqlexec/tokenizer"
)

// fragment is a piece of CEL text produced from a source range.
// Parts are strings or nested fragments.
type fragment struct {
	span  elm.Span
	parts []any
}

func frag(span elm.Span, parts ...any) *fragment {
	return &fragment{span: span, parts: parts}
}

type segment struct {
	start int
	end   int
	span  elm.Span
}

// celWriter renders fragments and remembers which source span produced each rune range
type celWriter struct {
	b        strings.Builder
	n        int
	segments []segment
}

func (w *celWriter) write(f *fragment) {
	start := w.n

	for _, part := range f.parts {
		switch p := part.(type) {
		case string:
			w.b.WriteString(p)
			w.n += utf8.RuneCountInString(p)
		case *fragment:
			w.write(p)
		}
	}

	w.segments = append(w.segments, segment{start: start, end: w.n, span: f.span})
}

func (w *celWriter) String() string {
	return w.b.String()
}

// spanAt returns the innermost source span covering a rune offset of the CEL text
func (w *celWriter) spanAt(offset int) (elm.Span, bool) {
	var (
		found bool
		best  segment
	)

	for _, s := range w.segments {
		if offset < s.start || offset >= s.end {
			continue
		}

		if !found || s.end-s.start < best.end-best.start {
			best = s
			found = true
		}
	}

	if !found && len(w.segments) > 0 {
		// past the end: the whole expression
		return w.segments[len(w.segments)-1].span, true
	}

	return best.span, found
}

// render returns the CEL text of a fragment tree together with its span map
func render(f *fragment) *celWriter {
	w := &celWriter{}
	w.write(f)

	return w
}

type binaryOperator struct {
	cel    string
	prefix string
}

var (
	orOperators = map[tok.TokenType]binaryOperator{
		tok.OR:  {cel: "||"},
		tok.XOR: {cel: "!="},
	}
	andOperators = map[tok.TokenType]binaryOperator{
		tok.AND: {cel: "&&"},
	}
	membershipOperators = map[tok.TokenType]binaryOperator{
		tok.IN: {cel: "in"},
	}
	equalityOperators = map[tok.TokenType]binaryOperator{
		tok.EQUAL:          {cel: "=="},
		tok.NOT_EQUAL:      {cel: "!="},
		tok.EQUIVALENT:     {cel: "=="},
		tok.NOT_EQUIVALENT: {cel: "!="},
	}
	inequalityOperators = map[tok.TokenType]binaryOperator{
		tok.LESS_THAN:     {cel: "<"},
		tok.LESS_EQUAL:    {cel: "<="},
		tok.GREATER_THAN:  {cel: ">"},
		tok.GREATER_EQUAL: {cel: ">="},
	}
	additiveOperators = map[tok.TokenType]binaryOperator{
		tok.PLUS:        {cel: "+"},
		tok.MINUS:       {cel: "-"},
		tok.CONCATENATE: {cel: "+"},
	}
	multiplicativeOperators = map[tok.TokenType]binaryOperator{
		tok.MULTIPLY: {cel: "*"},
		// CQL division always yields a decimal
		tok.DIVIDE: {cel: "/", prefix: "decimal"},
		tok.DIV:    {cel: "/"},
		tok.MOD:    {cel: "%"},
	}
)

var queryKeywords = []tok.TokenType{
	tok.FROM, tok.WHERE, tok.RETURN, tok.SORT, tok.WITH, tok.WITHOUT, tok.SUCH, tok.LET,
}

var setOperators = []tok.TokenType{tok.UNION, tok.INTERSECT, tok.EXCEPT}

var builtinFunctions = map[string]string{
	"Count":         engine.FuncCount,
	"Exists":        engine.FuncExists,
	"First":         engine.FuncFirst,
	"Last":          engine.FuncLast,
	"SingletonFrom": engine.FuncSingletonFrom,
	"Today":         engine.FuncToday,
	"Now":           engine.FuncNow,
	"Date":          engine.FuncDate,
	"DateTime":      engine.FuncDateTime,
	"AgeInYears":    engine.FuncAgeInYears,
	"AgeInYearsAt":  engine.FuncAgeInYearsAt,
}

// celReserved are words CEL does not accept as field names
var celReserved = []string{
	"as", "break", "const", "continue", "else", "false", "for", "function", "if", "import", "in",
	"let", "loop", "package", "namespace", "null", "return", "true", "var", "void", "while",
}

// exprParser parses one CQL expression into CEL fragments by precedence climbing
type exprParser struct {
	t      *translation
	tokens []tok.Token
	pos    int
}

func (p *exprParser) peek() (tok.Token, bool) {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos], true
	}

	return tok.Token{}, false
}

func (p *exprParser) peekType(offset int) tok.TokenType {
	if p.pos+offset < len(p.tokens) {
		return p.tokens[p.pos+offset].Type
	}

	return tok.EOF
}

func (p *exprParser) next() tok.Token {
	t := p.tokens[p.pos]
	p.pos++

	return t
}

func (p *exprParser) lastSpan() elm.Span {
	return tokenSpan(p.tokens[len(p.tokens)-1])
}

func (p *exprParser) expect(tokenType tok.TokenType, what string) (tok.Token, error) {
	t, ok := p.peek()
	if !ok {
		return tok.Token{}, newError(p.lastSpan(), "expected %s but the expression ended", what)
	}

	if t.Type != tokenType {
		return tok.Token{}, newError(tokenSpan(t), "expected %s but found %q", what, t.Value)
	}

	p.pos++

	return t, nil
}

// parse parses the whole token range of an expression
func (p *exprParser) parse() (*fragment, error) {
	if len(p.tokens) == 0 {
		return nil, &Error{Message: "empty expression"}
	}

	f, err := p.expression()
	if err != nil {
		return nil, err
	}

	if t, ok := p.peek(); ok {
		return nil, p.unexpected(t)
	}

	return f, nil
}

func (p *exprParser) unexpected(t tok.Token) error {
	switch {
	case slices.Contains(queryKeywords, t.Type):
		return newError(tokenSpan(t), "queries are not supported")
	case t.Type == tok.IDENTIFIER && slices.Contains(queryKeywords, p.peekType(1)):
		return newError(tokenSpan(t), "queries are not supported")
	case slices.Contains(setOperators, t.Type):
		return newError(tokenSpan(t), "set operator %s is not supported", t.Value)
	case t.Type == tok.BETWEEN:
		return newError(tokenSpan(t), "between is not supported")
	}

	return newError(tokenSpan(t), "unexpected token %q", t.Value)
}

func (p *exprParser) expression() (*fragment, error) {
	left, err := p.or()
	if err != nil {
		return nil, err
	}

	for p.peekType(0) == tok.IMPLIES {
		p.pos++

		right, err := p.or()
		if err != nil {
			return nil, err
		}

		left = frag(joinSpan(left.span, right.span), "(!", left, " || ", right, ")")
	}

	return left, nil
}

func (p *exprParser) binary(operand func() (*fragment, error), operators map[tok.TokenType]binaryOperator) (*fragment, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}

	for {
		op, ok := operators[p.peekType(0)]
		if !ok {
			return left, nil
		}

		p.pos++

		right, err := operand()
		if err != nil {
			return nil, err
		}

		span := joinSpan(left.span, right.span)
		if op.prefix != "" {
			left = frag(span, "("+op.prefix+"(", left, ") "+op.cel+" ", right, ")")
		} else {
			left = frag(span, "(", left, " "+op.cel+" ", right, ")")
		}
	}
}

func (p *exprParser) or() (*fragment, error) {
	return p.binary(p.and, orOperators)
}

func (p *exprParser) and() (*fragment, error) {
	return p.binary(p.membership, andOperators)
}

func (p *exprParser) membership() (*fragment, error) {
	return p.binary(p.equality, membershipOperators)
}

func (p *exprParser) equality() (*fragment, error) {
	return p.binary(p.inequality, equalityOperators)
}

func (p *exprParser) inequality() (*fragment, error) {
	return p.binary(p.prefix, inequalityOperators)
}

// prefix handles not and exists, which bind tighter than comparisons
func (p *exprParser) prefix() (*fragment, error) {
	t, ok := p.peek()
	if !ok {
		return nil, newError(p.lastSpan(), "expression expected")
	}

	switch t.Type {
	case tok.NOT:
		p.pos++

		operand, err := p.prefix()
		if err != nil {
			return nil, err
		}

		return frag(joinSpan(tokenSpan(t), operand.span), "!(", operand, ")"), nil
	case tok.EXISTS:
		p.pos++

		operand, err := p.prefix()
		if err != nil {
			return nil, err
		}

		return frag(joinSpan(tokenSpan(t), operand.span), engine.FuncExists+"(", operand, ")"), nil
	}

	return p.test()
}

// test handles the postfix is null, is true and is false tests
func (p *exprParser) test() (*fragment, error) {
	left, err := p.additive()
	if err != nil {
		return nil, err
	}

	for {
		t, ok := p.peek()
		if !ok {
			return left, nil
		}

		switch t.Type {
		case tok.AS:
			return nil, newError(tokenSpan(t), "type casting with as is not supported")
		case tok.IS:
		default:
			return left, nil
		}

		p.pos++

		op := "=="
		if p.peekType(0) == tok.NOT {
			op = "!="
			p.pos++
		}

		value, ok := p.peek()
		if !ok {
			return nil, newError(tokenSpan(t), "expected null, true or false after is")
		}

		var literal string

		switch value.Type {
		case tok.NULL:
			literal = "null"
		case tok.TRUE:
			literal = "true"
		case tok.FALSE:
			literal = "false"
		default:
			return nil, newError(tokenSpan(value), "type testing with is is not supported")
		}

		p.pos++
		left = frag(joinSpan(left.span, tokenSpan(value)), "(", left, " "+op+" "+literal+")")
	}
}

func (p *exprParser) additive() (*fragment, error) {
	return p.binary(p.multiplicative, additiveOperators)
}

func (p *exprParser) multiplicative() (*fragment, error) {
	return p.binary(p.power, multiplicativeOperators)
}

func (p *exprParser) power() (*fragment, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}

	if t, ok := p.peek(); ok && t.Type == tok.POWER {
		return nil, newError(tokenSpan(t), "the power operator is not supported")
	}

	return left, nil
}

func (p *exprParser) unary() (*fragment, error) {
	t, ok := p.peek()
	if !ok {
		return nil, newError(p.lastSpan(), "expression expected")
	}

	switch t.Type {
	case tok.PLUS:
		p.pos++
		return p.unary()
	case tok.MINUS:
		p.pos++

		if number, ok := p.peek(); ok && number.Type == tok.NUMBER {
			p.pos++
			return numberLiteral(number, "-", rangeSpan(t, number)), nil
		}

		operand, err := p.unary()
		if err != nil {
			return nil, err
		}

		return frag(joinSpan(tokenSpan(t), operand.span), "(-", operand, ")"), nil
	}

	return p.invocation()
}

// invocation handles member access and indexers after a term
func (p *exprParser) invocation() (*fragment, error) {
	f, err := p.term()
	if err != nil {
		return nil, err
	}

	for {
		t, ok := p.peek()
		if !ok {
			return f, nil
		}

		switch t.Type {
		case tok.DOT:
			p.pos++

			member, ok := p.peek()
			if !ok || !(member.IsWord() || member.Type == tok.QUOTED_IDENTIFIER) {
				return nil, newError(tokenSpan(t), "member name expected after '.'")
			}

			p.pos++

			if p.peekType(0) == tok.OPENED_PARENS {
				return nil, newError(tokenSpan(member), "invocation of method %s is not supported", member.Name())
			}

			f = frag(joinSpan(f.span, tokenSpan(member)), f, selectField(member.Name()))
		case tok.OPENED_BRACKET:
			p.pos++

			index, err := p.expression()
			if err != nil {
				return nil, err
			}

			closing, err := p.expect(tok.CLOSED_BRACKET, "']'")
			if err != nil {
				return nil, err
			}

			f = frag(joinSpan(f.span, tokenSpan(closing)), f, "[", index, "]")
		default:
			return f, nil
		}
	}
}

func selectField(name string) string {
	valid := name != "" && !slices.Contains(celReserved, name)

	for i, r := range name {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9')) {
			valid = false
			break
		}
	}

	if valid {
		return "." + name
	}

	return "[" + strconv.Quote(name) + "]"
}

func (p *exprParser) term() (*fragment, error) {
	t, ok := p.peek()
	if !ok {
		return nil, newError(p.lastSpan(), "expression expected")
	}

	span := tokenSpan(t)

	switch t.Type {
	case tok.NUMBER:
		p.pos++
		return numberLiteral(t, "", span), nil
	case tok.STRING:
		p.pos++
		return frag(span, strconv.Quote(tok.Unquote(t.Value))), nil
	case tok.DATETIME:
		p.pos++
		return dateTimeLiteral(t)
	case tok.TRUE, tok.FALSE, tok.NULL:
		p.pos++
		return frag(span, t.Value), nil
	case tok.OPENED_PARENS:
		p.pos++

		inner, err := p.expression()
		if err != nil {
			return nil, err
		}

		closing, err := p.expect(tok.CLOSED_PARENS, "')'")
		if err != nil {
			return nil, err
		}

		return frag(rangeSpan(t, closing), "(", inner, ")"), nil
	case tok.OPENED_BRACE:
		return p.braced(t)
	case tok.TUPLE:
		p.pos++

		open, err := p.expect(tok.OPENED_BRACE, "'{'")
		if err != nil {
			return nil, err
		}

		return p.tuple(t, open)
	case tok.LIST:
		p.pos++

		if err := p.skipTypeArguments(); err != nil {
			return nil, err
		}

		open, err := p.expect(tok.OPENED_BRACE, "'{'")
		if err != nil {
			return nil, err
		}

		return p.list(t, open)
	case tok.OPENED_BRACKET:
		return p.retrieve(t)
	case tok.IF:
		return p.ifThenElse(t)
	case tok.CASE:
		return nil, newError(span, "case expressions are not supported")
	case tok.INTERVAL:
		return nil, newError(span, "intervals are not supported")
	case tok.CODE:
		if p.peekType(1) == tok.STRING {
			return p.codeSelector(t)
		}

		return p.reference(t)
	case tok.IDENTIFIER, tok.QUOTED_IDENTIFIER:
		return p.reference(t)
	}

	return nil, p.unexpected(t)
}

func numberLiteral(t tok.Token, sign string, span elm.Span) *fragment {
	text := strings.TrimSuffix(t.Value, "L")
	if strings.Contains(text, ".") {
		return frag(span, "decimal("+strconv.Quote(sign+text)+")")
	}

	return frag(span, sign+text)
}

func dateTimeLiteral(t tok.Token) (*fragment, error) {
	text := strings.TrimPrefix(t.Value, "@")
	span := tokenSpan(t)

	if strings.HasPrefix(text, "T") {
		return nil, newError(span, "time literals are not supported")
	}

	if _, err := engine.ParseDateTime(text); err != nil {
		return nil, newError(span, "invalid date/time literal %s", t.Value)
	}

	fn := engine.FuncDate
	if strings.Contains(text, "T") {
		fn = engine.FuncDateTime
	}

	return frag(span, fn+"("+strconv.Quote(text)+")"), nil
}

func (p *exprParser) skipTypeArguments() error {
	if p.peekType(0) != tok.LESS_THAN {
		return nil
	}

	depth := 0

	for {
		t, ok := p.peek()
		if !ok {
			return newError(p.lastSpan(), "unterminated type arguments")
		}

		p.pos++

		switch t.Type {
		case tok.LESS_THAN:
			depth++
		case tok.GREATER_THAN:
			depth--
			if depth == 0 {
				return nil
			}
		}
	}
}

// braced decides between a list selector and a tuple selector
func (p *exprParser) braced(open tok.Token) (*fragment, error) {
	p.pos++

	first, ok := p.peek()
	if ok && (first.IsWord() || first.Type == tok.QUOTED_IDENTIFIER) && p.peekType(1) == tok.COLON {
		return p.tuple(open, open)
	}

	return p.list(open, open)
}

func (p *exprParser) list(start, open tok.Token) (*fragment, error) {
	parts := []any{"["}

	for i := 0; ; i++ {
		if t, ok := p.peek(); ok && t.Type == tok.CLOSED_BRACE {
			p.pos++
			parts = append(parts, "]")

			return frag(rangeSpan(start, t), parts...), nil
		}

		if i > 0 {
			if _, err := p.expect(tok.COMMA, "',' or '}'"); err != nil {
				return nil, err
			}

			parts = append(parts, ", ")
		}

		item, err := p.expression()
		if err != nil {
			return nil, err
		}

		parts = append(parts, item)
	}
}

func (p *exprParser) tuple(start, open tok.Token) (*fragment, error) {
	parts := []any{"{"}

	for i := 0; ; i++ {
		if t, ok := p.peek(); ok && t.Type == tok.CLOSED_BRACE {
			p.pos++
			parts = append(parts, "}")

			return frag(rangeSpan(start, t), parts...), nil
		}

		if i > 0 {
			if _, err := p.expect(tok.COMMA, "',' or '}'"); err != nil {
				return nil, err
			}

			parts = append(parts, ", ")
		}

		field, ok := p.peek()
		if !ok || !(field.IsWord() || field.Type == tok.QUOTED_IDENTIFIER) {
			return nil, newError(tokenSpan(open), "tuple element name expected")
		}

		p.pos++

		if _, err := p.expect(tok.COLON, "':'"); err != nil {
			return nil, err
		}

		value, err := p.expression()
		if err != nil {
			return nil, err
		}

		parts = append(parts, strconv.Quote(field.Name())+": ", value)
	}
}

// retrieve translates [Type] and [Type: "Value Set"]
func (p *exprParser) retrieve(open tok.Token) (*fragment, error) {
	p.pos++

	typeName, ok := p.peek()
	if !ok || !(typeName.Type == tok.IDENTIFIER || typeName.Type == tok.QUOTED_IDENTIFIER) {
		return nil, newError(tokenSpan(open), "data type expected in retrieve")
	}

	p.pos++

	// model qualified names such as FHIR.Condition
	for p.peekType(0) == tok.DOT {
		p.pos++

		part, err := p.expectName("data type")
		if err != nil {
			return nil, err
		}

		typeName = part
	}

	args := strconv.Quote(typeName.Name())

	if p.peekType(0) == tok.COLON {
		p.pos++

		// the code path is implied by the data type
		if p.peekType(1) == tok.IN {
			p.pos += 2
		}

		terminology, err := p.expectName("value set")
		if err != nil {
			return nil, err
		}

		if p.peekType(0) == tok.DOT {
			return nil, newError(tokenSpan(terminology), "retrieve by an included value set is not supported")
		}

		vs, ok := p.t.library.ResolveValueSet(terminology.Name())
		if !ok {
			if _, isCode := p.t.library.ResolveCode(terminology.Name()); isCode {
				return nil, newError(tokenSpan(terminology), "retrieve by code %s is not supported", terminology.Name())
			}

			return nil, newError(tokenSpan(terminology), "could not resolve value set %s", terminology.Name())
		}

		args += ", " + strconv.Quote(vs.ID)
	}

	closing, err := p.expect(tok.CLOSED_BRACKET, "']'")
	if err != nil {
		return nil, err
	}

	span := rangeSpan(open, closing)
	if p.t.library.DataModelURI() == "" {
		return nil, newError(span, "retrieve of %s requires a using declaration", typeName.Name())
	}

	return frag(span, engine.FuncRetrieve+"("+args+")"), nil
}

func (p *exprParser) expectName(what string) (tok.Token, error) {
	t, ok := p.peek()
	if !ok {
		return tok.Token{}, newError(p.lastSpan(), "%s expected", what)
	}

	if t.Type != tok.IDENTIFIER && t.Type != tok.QUOTED_IDENTIFIER {
		return tok.Token{}, newError(tokenSpan(t), "%s expected but found %q", what, t.Value)
	}

	p.pos++

	return t, nil
}

func (p *exprParser) ifThenElse(start tok.Token) (*fragment, error) {
	p.pos++

	condition, err := p.expression()
	if err != nil {
		return nil, err
	}

	if _, err := p.expect(tok.THEN, "then"); err != nil {
		return nil, err
	}

	then, err := p.expression()
	if err != nil {
		return nil, err
	}

	if _, err := p.expect(tok.ELSE, "else"); err != nil {
		return nil, err
	}

	otherwise, err := p.expression()
	if err != nil {
		return nil, err
	}

	return frag(joinSpan(tokenSpan(start), otherwise.span), "(", condition, " ? ", then, " : ", otherwise, ")"), nil
}

// codeSelector translates Code 'code' from "System" display 'text'
func (p *exprParser) codeSelector(start tok.Token) (*fragment, error) {
	p.pos++
	code := p.next()

	if _, err := p.expect(tok.FROM, "from"); err != nil {
		return nil, err
	}

	system, err := p.expectName("code system")
	if err != nil {
		return nil, err
	}

	cs, ok := p.t.library.ResolveCodeSystem(system.Name())
	if !ok {
		return nil, newError(tokenSpan(system), "could not resolve code system %s", system.Name())
	}

	end := system
	args := []string{strconv.Quote(tok.Unquote(code.Value)), strconv.Quote(cs.ID)}

	if p.peekType(0) == tok.DISPLAY {
		p.pos++

		display, err := p.expect(tok.STRING, "display text")
		if err != nil {
			return nil, err
		}

		end = display
		args = append(args, strconv.Quote(tok.Unquote(display.Value)))
	}

	return frag(rangeSpan(start, end), engine.FuncCode+"("+strings.Join(args, ", ")+")"), nil
}

// reference resolves a name to a definition, parameter, terminology or function call
func (p *exprParser) reference(t tok.Token) (*fragment, error) {
	p.pos++

	name := t.Name()
	span := tokenSpan(t)
	lib := p.t.library

	if p.peekType(0) == tok.OPENED_PARENS {
		return p.call(t)
	}

	if _, ok := lib.ResolveInclude(name); ok && p.peekType(0) == tok.DOT {
		p.pos++

		member, err := p.expectName("definition name")
		if err != nil {
			return nil, err
		}

		if p.peekType(0) == tok.OPENED_PARENS {
			return nil, newError(tokenSpan(member), "invocation of function %s.%s is not supported", name, member.Name())
		}

		return frag(rangeSpan(t, member), p.t.externalRef(name, member.Name())), nil
	}

	if def, ok := lib.ResolveExpression(name); ok {
		if def.Function {
			return nil, newError(span, "function %s must be invoked", name)
		}

		return frag(span, def.Identifier), nil
	}

	if param, ok := lib.ResolveParameter(name); ok && param.Name == name {
		return frag(span, param.Identifier), nil
	}

	if vs, ok := lib.ResolveValueSet(name); ok {
		return frag(span, engine.FuncValueSet+"("+strconv.Quote(vs.ID)+")"), nil
	}

	if cs, ok := lib.ResolveCodeSystem(name); ok {
		return frag(span, strconv.Quote(cs.ID)), nil
	}

	if code, ok := lib.ResolveCode(name); ok {
		return p.t.codeReference(code, span)
	}

	return nil, newError(span, "could not resolve identifier %s in the current library", name)
}

func (p *exprParser) call(t tok.Token) (*fragment, error) {
	name := t.Name()

	fn, ok := builtinFunctions[name]
	if !ok {
		if def, found := p.t.library.ResolveExpression(name); found && def.Function {
			return nil, newError(tokenSpan(t), "invocation of function %s is not supported", name)
		}

		return nil, newError(tokenSpan(t), "could not resolve call to operator %s", name)
	}

	p.pos++ // (

	parts := []any{fn + "("}

	for i := 0; ; i++ {
		if closing, ok := p.peek(); ok && closing.Type == tok.CLOSED_PARENS {
			p.pos++
			parts = append(parts, ")")

			return frag(rangeSpan(t, closing), parts...), nil
		}

		if i > 0 {
			if _, err := p.expect(tok.COMMA, "',' or ')'"); err != nil {
				return nil, err
			}

			parts = append(parts, ", ")
		}

		arg, err := p.expression()
		if err != nil {
			return nil, err
		}

		parts = append(parts, arg)
	}
}
