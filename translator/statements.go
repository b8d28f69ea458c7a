package translator

import (
	tok "github.com/shibukawa/cqlexec/tokenizer"
)

// statement is the token range of one top-level declaration
type statement struct {
	tokens []tok.Token
}

func (s statement) first() tok.Token {
	return s.tokens[0]
}

func (s statement) last() tok.Token {
	return s.tokens[len(s.tokens)-1]
}

var statementKeywords = map[tok.TokenType]bool{
	tok.LIBRARY:    true,
	tok.USING:      true,
	tok.INCLUDE:    true,
	tok.CODESYSTEM: true,
	tok.VALUESET:   true,
	tok.PARAMETER:  true,
	tok.CONTEXT:    true,
	tok.DEFINE:     true,
}

// splitStatements cuts the token stream at every declaration keyword outside brackets.
// Tokens before the first declaration form a statement of their own so they can be reported.
func splitStatements(tokens []tok.Token) []statement {
	var (
		statements []statement
		depth      int
		start      int
	)

	for i, t := range tokens {
		switch t.Type {
		case tok.OPENED_PARENS, tok.OPENED_BRACKET, tok.OPENED_BRACE:
			depth++
		case tok.CLOSED_PARENS, tok.CLOSED_BRACKET, tok.CLOSED_BRACE:
			if depth > 0 {
				depth--
			}
		}

		if depth > 0 || i == start || !startsStatement(tokens, i) {
			continue
		}

		statements = append(statements, statement{tokens: tokens[start:i]})
		start = i
	}

	if start < len(tokens) {
		statements = append(statements, statement{tokens: tokens[start:]})
	}

	return statements
}

func startsStatement(tokens []tok.Token, i int) bool {
	if i > 0 {
		switch tokens[i-1].Type {
		case tok.DOT, tok.PUBLIC, tok.PRIVATE:
			return false
		}
	}

	t := tokens[i]

	switch t.Type {
	case tok.PUBLIC, tok.PRIVATE:
		if i+1 >= len(tokens) {
			return false
		}

		switch tokens[i+1].Type {
		case tok.CODESYSTEM, tok.VALUESET, tok.PARAMETER, tok.INCLUDE:
			return true
		case tok.CODE:
			return isCodeDeclaration(tokens, i+1)
		}

		return false
	case tok.CODE:
		return isCodeDeclaration(tokens, i)
	}

	return statementKeywords[t.Type]
}

// isCodeDeclaration tells a code declaration from a Code selector inside an expression
func isCodeDeclaration(tokens []tok.Token, i int) bool {
	if i+2 >= len(tokens) {
		return false
	}

	name := tokens[i+1].Type

	return (name == tok.IDENTIFIER || name == tok.QUOTED_IDENTIFIER) && tokens[i+2].Type == tok.COLON
}
