package translator

import (
	"slices"

	pc "github.com/shibukawa/parsercombinator"

	tok "github.com/shibukawa/cqlexec/tokenizer"
)

func primitiveType(typeName string, types ...tok.TokenType) pc.Parser[tok.Token] {
	return func(pctx *pc.ParseContext[tok.Token], tokens []pc.Token[tok.Token]) (int, []pc.Token[tok.Token], error) {
		if len(tokens) > 0 && slices.Contains(types, tokens[0].Val.Type) {
			return 1, tokens[:1], nil
		}

		return 0, nil, pc.ErrNotMatch
	}
}

// label names every token matched by p so the header fields can be collected afterwards
func label(name string, p pc.Parser[tok.Token]) pc.Parser[tok.Token] {
	return pc.Trans(p, func(pctx *pc.ParseContext[tok.Token], src []pc.Token[tok.Token]) ([]pc.Token[tok.Token], error) {
		return relabel(name, src), nil
	})
}

// typeSpecifier consumes a type such as Integer, FHIR.Observation or List<Interval<DateTime>>
func typeSpecifier(name string, stop ...tok.TokenType) pc.Parser[tok.Token] {
	return func(pctx *pc.ParseContext[tok.Token], tokens []pc.Token[tok.Token]) (int, []pc.Token[tok.Token], error) {
		depth := 0
		consumed := 0

	loop:
		for _, t := range tokens {
			switch t.Val.Type {
			case tok.LESS_THAN, tok.OPENED_BRACE:
				depth++
			case tok.GREATER_THAN, tok.CLOSED_BRACE:
				depth--
			default:
				if depth == 0 && slices.Contains(stop, t.Val.Type) {
					break loop
				}
			}

			consumed++
		}

		if consumed == 0 || depth != 0 {
			return 0, nil, pc.ErrNotMatch
		}

		return consumed, relabel(name, tokens[:consumed]), nil
	}
}

// rest consumes every remaining token. At least one is required.
func rest(name string) pc.Parser[tok.Token] {
	return func(pctx *pc.ParseContext[tok.Token], tokens []pc.Token[tok.Token]) (int, []pc.Token[tok.Token], error) {
		if len(tokens) == 0 {
			return 0, nil, pc.ErrNotMatch
		}

		return len(tokens), relabel(name, tokens), nil
	}
}

func relabel(name string, tokens []pc.Token[tok.Token]) []pc.Token[tok.Token] {
	results := make([]pc.Token[tok.Token], len(tokens))
	for i, t := range tokens {
		t.Type = name
		results[i] = t
	}

	return results
}

func toParserTokens(tokens []tok.Token) []pc.Token[tok.Token] {
	results := make([]pc.Token[tok.Token], len(tokens))

	for i, token := range tokens {
		results[i] = pc.Token[tok.Token]{
			Type: "raw",
			Pos: &pc.Pos{
				Line:  token.Position.Line,
				Col:   token.Position.Column,
				Index: token.Position.Offset,
			},
			Val: token,
			Raw: token.Value,
		}
	}

	return results
}

var (
	identifier  = primitiveType("identifier", tok.IDENTIFIER, tok.QUOTED_IDENTIFIER)
	stringValue = primitiveType("string", tok.STRING)
	access      = primitiveType("access", tok.PUBLIC, tok.PRIVATE)
	colon       = primitiveType("colon", tok.COLON)
	comma       = primitiveType("comma", tok.COMMA)
	parenOpen   = primitiveType("parenOpen", tok.OPENED_PARENS)
	parenClose  = primitiveType("parenClose", tok.CLOSED_PARENS)
	braceOpen   = primitiveType("braceOpen", tok.OPENED_BRACE)
	braceClose  = primitiveType("braceClose", tok.CLOSED_BRACE)
	eos         = pc.EOS[tok.Token]()

	libraryKeyword     = primitiveType("library", tok.LIBRARY)
	versionKeyword     = primitiveType("version", tok.VERSION)
	usingKeyword       = primitiveType("using", tok.USING)
	includeKeyword     = primitiveType("include", tok.INCLUDE)
	calledKeyword      = primitiveType("called", tok.CALLED)
	codeSystemKeyword  = primitiveType("codesystem", tok.CODESYSTEM)
	valueSetKeyword    = primitiveType("valueset", tok.VALUESET)
	codeSystemsKeyword = primitiveType("codesystems", tok.CODESYSTEMS)
	codeKeyword        = primitiveType("code", tok.CODE)
	fromKeyword        = primitiveType("from", tok.FROM)
	displayKeyword     = primitiveType("display", tok.DISPLAY)
	parameterKeyword   = primitiveType("parameter", tok.PARAMETER)
	defaultKeyword     = primitiveType("default", tok.DEFAULT)
	contextKeyword     = primitiveType("context", tok.CONTEXT)
	defineKeyword      = primitiveType("define", tok.DEFINE)
	fluentKeyword      = primitiveType("fluent", tok.FLUENT)
	functionKeyword    = primitiveType("function", tok.FUNCTION)
	returnsKeyword     = primitiveType("returns", tok.RETURNS)
	externalKeyword    = primitiveType("external", tok.EXTERNAL)

	version = pc.Optional(pc.Seq(versionKeyword, label("version", stringValue)))
)

var (
	libraryHeader = pc.Seq(libraryKeyword, label("name", identifier), version, eos)

	usingHeader = pc.Seq(usingKeyword, label("name", identifier), version, eos)

	includeHeader = pc.Seq(
		pc.Optional(label("access", access)),
		includeKeyword, label("name", identifier), version,
		pc.Optional(pc.Seq(calledKeyword, label("alias", identifier))),
		eos)

	codeSystemHeader = pc.Seq(
		pc.Optional(label("access", access)),
		codeSystemKeyword, label("name", identifier), colon, label("id", stringValue), version,
		eos)

	valueSetHeader = pc.Seq(
		pc.Optional(label("access", access)),
		valueSetKeyword, label("name", identifier), colon, label("id", stringValue), version,
		pc.Optional(pc.Seq(
			codeSystemsKeyword, braceOpen,
			label("codesystem", identifier),
			pc.ZeroOrMore("codesystems", pc.Seq(comma, label("codesystem", identifier))),
			braceClose)),
		eos)

	codeHeader = pc.Seq(
		pc.Optional(label("access", access)),
		codeKeyword, label("name", identifier), colon, label("id", stringValue),
		fromKeyword, label("codesystem", identifier),
		pc.Optional(pc.Seq(displayKeyword, label("display", stringValue))),
		eos)

	parameterHeader = pc.Seq(
		pc.Optional(label("access", access)),
		parameterKeyword, label("name", identifier),
		pc.Optional(typeSpecifier("type", tok.DEFAULT)),
		pc.Optional(pc.Seq(defaultKeyword, rest("default"))),
		eos)

	contextHeader = pc.Seq(contextKeyword, label("name", identifier), eos)

	operand = pc.Seq(label("operand", identifier), typeSpecifier("operandType", tok.COMMA, tok.CLOSED_PARENS))

	functionHeader = pc.Seq(
		pc.Optional(label("fluent", fluentKeyword)),
		label("function", functionKeyword), label("name", identifier), parenOpen,
		pc.Optional(pc.Seq(operand, pc.ZeroOrMore("operands", pc.Seq(comma, operand)))),
		parenClose,
		pc.Optional(pc.Seq(returnsKeyword, typeSpecifier("returns", tok.COLON))),
		colon,
		pc.Or(label("external", externalKeyword), rest("body")),
		eos)

	expressionHeader = pc.Seq(label("name", identifier), colon, rest("body"), eos)

	defineHeader = pc.Seq(
		defineKeyword,
		pc.Optional(label("access", access)),
		pc.Or(functionHeader, expressionHeader))
)

// fields groups the labelled tokens of a matched header
type fields map[string][]tok.Token

func collect(matched []pc.Token[tok.Token]) fields {
	result := make(fields)

	for _, t := range matched {
		if t.Type == "raw" {
			continue
		}

		result[t.Type] = append(result[t.Type], t.Val)
	}

	return result
}

func (f fields) has(key string) bool {
	return len(f[key]) > 0
}

// name returns the unquoted text of the first token under key
func (f fields) name(key string) string {
	if !f.has(key) {
		return ""
	}

	return f[key][0].Name()
}

// text returns the unquoted string literal under key
func (f fields) text(key string) string {
	if !f.has(key) {
		return ""
	}

	return tok.Unquote(f[key][0].Value)
}

// source joins the tokens under key the way they were written.
func (f fields) source(key, input string) string {
	tokens := f[key]
	if len(tokens) == 0 {
		return ""
	}

	first := tokens[0]
	last := tokens[len(tokens)-1]

	return input[first.Position.Offset : last.Position.Offset+len(last.Value)]
}

// parseHeader runs a header grammar over the statement tokens
func parseHeader(p pc.Parser[tok.Token], s statement) (fields, bool) {
	pctx := pc.NewParseContext[tok.Token]()

	_, matched, err := p(pctx, toParserTokens(s.tokens))
	if err != nil {
		return nil, false
	}

	return collect(matched), true
}
