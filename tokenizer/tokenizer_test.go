package tokenizer

import (
	"testing"

	"github.com/alecthomas/assert/v2"
)

func types(tokens []Token) []TokenType {
	result := make([]TokenType, 0, len(tokens))
	for _, token := range tokens {
		result = append(result, token.Type)
	}

	return result
}

func TestTokenizer(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []TokenType
	}{
		{
			name:     "definition header",
			input:    `define "In Demographic": true`,
			expected: []TokenType{DEFINE, QUOTED_IDENTIFIER, COLON, TRUE, EOF},
		},
		{
			name:     "library header",
			input:    `library CMS146 version '2'`,
			expected: []TokenType{LIBRARY, IDENTIFIER, VERSION, STRING, EOF},
		},
		{
			name:     "retrieve with value set",
			input:    `[Condition: "Acute Pharyngitis"]`,
			expected: []TokenType{OPENED_BRACKET, IDENTIFIER, COLON, QUOTED_IDENTIFIER, CLOSED_BRACKET, EOF},
		},
		{
			name:  "operators",
			input: `= != <> ~ !~ < > <= >= + - * / & ^`,
			expected: []TokenType{
				EQUAL, NOT_EQUAL, NOT_EQUAL, EQUIVALENT, NOT_EQUIVALENT, LESS_THAN, GREATER_THAN,
				LESS_EQUAL, GREATER_EQUAL, PLUS, MINUS, MULTIPLY, DIVIDE, CONCATENATE, POWER, EOF,
			},
		},
		{
			name:     "numbers",
			input:    `1 2.50 10L 3.`,
			expected: []TokenType{NUMBER, NUMBER, NUMBER, NUMBER, DOT, EOF},
		},
		{
			name:     "date literals",
			input:    `@2014-01-01 @2014-01-01T10:30:00.0 @T12:00`,
			expected: []TokenType{DATETIME, DATETIME, DATETIME, EOF},
		},
		{
			name:     "list and tuple",
			input:    `{ 1, 2 } Tuple { a: 1 }`,
			expected: []TokenType{OPENED_BRACE, NUMBER, COMMA, NUMBER, CLOSED_BRACE, TUPLE, OPENED_BRACE, IDENTIFIER, COLON, NUMBER, CLOSED_BRACE, EOF},
		},
		{
			name:     "keywords are case sensitive",
			input:    `And and`,
			expected: []TokenType{IDENTIFIER, AND, EOF},
		},
		{
			name:     "comments skipped",
			input:    "1 // one\n/* two */ 2",
			expected: []TokenType{NUMBER, NUMBER, EOF},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, errs := New(tt.input, Options{SkipWhitespace: true, SkipComments: true}).AllTokens()
			assert.Equal(t, 0, len(errs))
			assert.Equal(t, tt.expected, types(tokens))
		})
	}
}

func TestTokenizer_Positions(t *testing.T) {
	input := "define \"A\":\n  \"B\" + 1"
	tokens, errs := New(input, Options{SkipWhitespace: true}).AllTokens()
	assert.Equal(t, 0, len(errs))

	assert.Equal(t, Position{Line: 1, Column: 1, Offset: 0}, tokens[0].Position)
	assert.Equal(t, Position{Line: 1, Column: 8, Offset: 7}, tokens[1].Position)
	assert.Equal(t, Position{Line: 1, Column: 10, Offset: 9}, tokens[1].End())
	assert.Equal(t, Position{Line: 2, Column: 3, Offset: 14}, tokens[3].Position)
	assert.Equal(t, Position{Line: 2, Column: 9, Offset: 20}, tokens[5].Position)
}

func TestTokenizer_PreservesText(t *testing.T) {
	input := "define \"Ünïcode\": 'ß' // c\n/* b */"
	tokens, errs := New(input).AllTokens()
	assert.Equal(t, 0, len(errs))

	var joined string
	for _, token := range tokens {
		joined += token.Value
	}

	assert.Equal(t, input, joined)
	assert.Equal(t, "Ünïcode", tokens[2].Name())
	assert.Equal(t, 1, tokens[2].End().Line)
}

func TestTokenizer_Errors(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected error
	}{
		{"unterminated string", `'abc`, ErrUnterminatedString},
		{"unterminated identifier", `"abc`, ErrUnterminatedIdentifier},
		{"unterminated comment", `/* abc`, ErrUnterminatedComment},
		{"invalid number", `12abc`, ErrInvalidNumber},
		{"lonely at sign", `@ `, ErrInvalidDateTime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokens, errs := New(tt.input).AllTokens()
			assert.Equal(t, 1, len(errs))
			assert.IsError(t, errs[0], tt.expected)

			var positionErr *PositionError
			assert.True(t, asPositionError(errs[0], &positionErr))
			assert.Equal(t, 1, positionErr.Position.Line)
			assert.Equal(t, EOF, tokens[len(tokens)-1].Type)
		})
	}
}

func asPositionError(err error, target **PositionError) bool {
	pe, ok := err.(*PositionError)
	if ok {
		*target = pe
	}

	return ok
}

func TestUnquote(t *testing.T) {
	assert.Equal(t, "it's", Unquote(`'it\'s'`))
	assert.Equal(t, "a\nb", Unquote(`'a\nb'`))
	assert.Equal(t, "plain", Unquote(`'plain'`))
}
