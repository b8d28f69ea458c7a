package tokenizer

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrUnterminatedString     = errors.New("unterminated string literal")
	ErrUnterminatedIdentifier = errors.New("unterminated quoted identifier")
	ErrUnterminatedComment    = errors.New("unterminated block comment")
	ErrInvalidNumber          = errors.New("invalid number format")
	ErrInvalidDateTime        = errors.New("invalid date/time literal")
)

// TokenType represents the type of a token
type TokenType int

const (
	// Basic tokens
	EOF TokenType = iota
	WHITESPACE
	IDENTIFIER        // identifiers that are not keywords
	QUOTED_IDENTIFIER // "identifier" or `identifier`
	STRING            // 'text'
	NUMBER            // 12, 1.5, 10L
	DATETIME          // @2014-01-01, @2014-01-01T10:00:00, @T10:00
	OPENED_PARENS     // (
	CLOSED_PARENS     // )
	OPENED_BRACKET    // [
	CLOSED_BRACKET    // ]
	OPENED_BRACE      // {
	CLOSED_BRACE      // }
	COMMA             // ,
	DOT               // .
	COLON             // :

	// Operators
	EQUAL          // =
	NOT_EQUAL      // !=, <>
	EQUIVALENT     // ~
	NOT_EQUIVALENT // !~
	LESS_THAN      // <
	GREATER_THAN   // >
	LESS_EQUAL     // <=
	GREATER_EQUAL  // >=
	PLUS           // +
	MINUS          // -
	MULTIPLY       // *
	DIVIDE         // /
	CONCATENATE    // &
	POWER          // ^

	// Library header keywords
	LIBRARY
	VERSION
	USING
	INCLUDE
	CALLED
	PUBLIC
	PRIVATE
	CODESYSTEM
	VALUESET
	CODESYSTEMS
	CODE
	DISPLAY
	PARAMETER
	DEFAULT
	CONTEXT
	DEFINE
	FLUENT
	FUNCTION
	RETURNS
	EXTERNAL

	// Expression keywords
	AND
	OR
	XOR
	IMPLIES
	NOT
	IN
	EXISTS
	IS
	AS
	NULL
	TRUE
	FALSE
	IF
	THEN
	ELSE
	CASE
	WHEN
	END
	FROM
	WHERE
	RETURN
	SORT
	WITH
	WITHOUT
	SUCH
	THAT
	LET
	UNION
	INTERSECT
	EXCEPT
	BETWEEN
	INTERVAL
	TUPLE
	LIST
	DIV
	MOD

	// Comments
	LINE_COMMENT  // // line comment
	BLOCK_COMMENT // /* block comment */

	// Others
	OTHER
)

var keywords = map[string]TokenType{
	"library":     LIBRARY,
	"version":     VERSION,
	"using":       USING,
	"include":     INCLUDE,
	"called":      CALLED,
	"public":      PUBLIC,
	"private":     PRIVATE,
	"codesystem":  CODESYSTEM,
	"valueset":    VALUESET,
	"codesystems": CODESYSTEMS,
	"code":        CODE,
	"Code":        CODE,
	"display":     DISPLAY,
	"parameter":   PARAMETER,
	"default":     DEFAULT,
	"context":     CONTEXT,
	"define":      DEFINE,
	"fluent":      FLUENT,
	"function":    FUNCTION,
	"returns":     RETURNS,
	"external":    EXTERNAL,
	"and":         AND,
	"or":          OR,
	"xor":         XOR,
	"implies":     IMPLIES,
	"not":         NOT,
	"in":          IN,
	"exists":      EXISTS,
	"is":          IS,
	"as":          AS,
	"null":        NULL,
	"true":        TRUE,
	"false":       FALSE,
	"if":          IF,
	"then":        THEN,
	"else":        ELSE,
	"case":        CASE,
	"when":        WHEN,
	"end":         END,
	"from":        FROM,
	"where":       WHERE,
	"return":      RETURN,
	"sort":        SORT,
	"with":        WITH,
	"without":     WITHOUT,
	"such":        SUCH,
	"that":        THAT,
	"let":         LET,
	"union":       UNION,
	"intersect":   INTERSECT,
	"except":      EXCEPT,
	"between":     BETWEEN,
	"Interval":    INTERVAL,
	"Tuple":       TUPLE,
	"List":        LIST,
	"div":         DIV,
	"mod":         MOD,
}

var typeNames = map[TokenType]string{
	EOF:               "EOF",
	WHITESPACE:        "WHITESPACE",
	IDENTIFIER:        "IDENTIFIER",
	QUOTED_IDENTIFIER: "QUOTED_IDENTIFIER",
	STRING:            "STRING",
	NUMBER:            "NUMBER",
	DATETIME:          "DATETIME",
	OPENED_PARENS:     "OPENED_PARENS",
	CLOSED_PARENS:     "CLOSED_PARENS",
	OPENED_BRACKET:    "OPENED_BRACKET",
	CLOSED_BRACKET:    "CLOSED_BRACKET",
	OPENED_BRACE:      "OPENED_BRACE",
	CLOSED_BRACE:      "CLOSED_BRACE",
	COMMA:             "COMMA",
	DOT:               "DOT",
	COLON:             "COLON",
	EQUAL:             "EQUAL",
	NOT_EQUAL:         "NOT_EQUAL",
	EQUIVALENT:        "EQUIVALENT",
	NOT_EQUIVALENT:    "NOT_EQUIVALENT",
	LESS_THAN:         "LESS_THAN",
	GREATER_THAN:      "GREATER_THAN",
	LESS_EQUAL:        "LESS_EQUAL",
	GREATER_EQUAL:     "GREATER_EQUAL",
	PLUS:              "PLUS",
	MINUS:             "MINUS",
	MULTIPLY:          "MULTIPLY",
	DIVIDE:            "DIVIDE",
	CONCATENATE:       "CONCATENATE",
	POWER:             "POWER",
	LINE_COMMENT:      "LINE_COMMENT",
	BLOCK_COMMENT:     "BLOCK_COMMENT",
	OTHER:             "OTHER",
}

// String returns the string representation of TokenType
func (t TokenType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}

	for word, tt := range keywords {
		if tt == t && word != "Code" {
			return fmt.Sprintf("KEYWORD(%s)", word)
		}
	}

	return "UNKNOWN"
}

// IsKeyword reports whether the type is a reserved word.
func (t TokenType) IsKeyword() bool {
	return t >= LIBRARY && t <= MOD
}

// Position represents a position in the source code.
// Line and Column are 1-based, Offset is a byte offset.
type Position struct {
	Line   int
	Column int
	Offset int
}

// Token represents a token
type Token struct {
	Type     TokenType
	Value    string
	Position Position
}

// String returns the string representation of Token
func (t Token) String() string {
	return t.Type.String() + ": " + t.Value
}

// IsWord reports whether the token is an identifier or a keyword.
// Keywords are valid member names after a dot.
func (t Token) IsWord() bool {
	return t.Type == IDENTIFIER || t.Type.IsKeyword()
}

// Name returns the identifier text without surrounding quotes.
func (t Token) Name() string {
	if t.Type == QUOTED_IDENTIFIER && len(t.Value) >= 2 {
		return unescape(t.Value[1 : len(t.Value)-1])
	}

	return t.Value
}

// End returns the position of the last character of the token.
func (t Token) End() Position {
	end := t.Position
	runes := []rune(t.Value)

	for i, r := range runes {
		if i == len(runes)-1 {
			break
		}

		end.Offset += len(string(r))

		if r == '\n' {
			end.Line++
			end.Column = 1
		} else {
			end.Column++
		}
	}

	return end
}

// PositionError is a tokenizing error at a source position.
type PositionError struct {
	Err      error
	Position Position
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("%v at line %d, column %d", e.Err, e.Position.Line, e.Position.Column)
}

func (e *PositionError) Unwrap() error {
	return e.Err
}
