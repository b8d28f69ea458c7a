package tokenizer

import (
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenIterator uses Go 1.24 iterator pattern
type TokenIterator iter.Seq2[Token, error]

// Tokenizer is a CQL tokenizer that returns an iterator
type Tokenizer struct {
	input   string
	options Options
}

// Options are options for the tokenizer
type Options struct {
	SkipWhitespace bool
	SkipComments   bool
}

// New creates a new Tokenizer
func New(input string, options ...Options) *Tokenizer {
	var opts Options
	if len(options) > 0 {
		opts = options[0]
	}

	return &Tokenizer{
		input:   input,
		options: opts,
	}
}

// Tokens returns an iterator of tokens. The last token is always EOF.
func (t *Tokenizer) Tokens() TokenIterator {
	return func(yield func(Token, error) bool) {
		tokenizer := &tokenizer{
			input: t.input,
			line:  1,
		}

		tokenizer.readChar()

		for {
			token, err := tokenizer.nextToken()
			if err != nil {
				if !yield(Token{}, err) {
					return
				}

				continue
			}

			if token.Type == EOF {
				yield(token, nil)
				return
			}

			if t.options.SkipWhitespace && token.Type == WHITESPACE {
				continue
			}

			if t.options.SkipComments && (token.Type == LINE_COMMENT || token.Type == BLOCK_COMMENT) {
				continue
			}

			if !yield(token, nil) {
				return
			}
		}
	}
}

// AllTokens gets all tokens as a slice together with every error met.
func (t *Tokenizer) AllTokens() ([]Token, []error) {
	tokens := make([]Token, 0, 64)

	var errs []error

	for token, err := range t.Tokens() {
		if err != nil {
			errs = append(errs, err)
			continue
		}

		tokens = append(tokens, token)
	}

	return tokens, errs
}

// Internal tokenizer implementation
type tokenizer struct {
	input   string
	offset  int // byte offset of current
	next    int // byte offset after current
	line    int
	column  int
	current rune
}

var singleCharTokens = map[rune]TokenType{
	'(': OPENED_PARENS,
	')': CLOSED_PARENS,
	'[': OPENED_BRACKET,
	']': CLOSED_BRACKET,
	'{': OPENED_BRACE,
	'}': CLOSED_BRACE,
	',': COMMA,
	'.': DOT,
	':': COLON,
	'=': EQUAL,
	'~': EQUIVALENT,
	'+': PLUS,
	'-': MINUS,
	'*': MULTIPLY,
	'&': CONCATENATE,
	'^': POWER,
}

// nextToken gets the next token
func (t *tokenizer) nextToken() (Token, error) {
	start := t.pos()

	switch t.current {
	case 0:
		return Token{Type: EOF, Position: start}, nil
	case ' ', '\t', '\r', '\n', '\f':
		return t.readWhitespace(), nil
	case '\'':
		return t.readQuoted(STRING, ErrUnterminatedString)
	case '"', '`':
		return t.readQuoted(QUOTED_IDENTIFIER, ErrUnterminatedIdentifier)
	case '@':
		return t.readDateTime()
	case '/':
		switch t.peekChar() {
		case '/':
			return t.readLineComment(), nil
		case '*':
			return t.readBlockComment()
		}

		return t.single(DIVIDE), nil
	case '<':
		switch t.peekChar() {
		case '=':
			return t.double(LESS_EQUAL), nil
		case '>':
			return t.double(NOT_EQUAL), nil
		}

		return t.single(LESS_THAN), nil
	case '>':
		if t.peekChar() == '=' {
			return t.double(GREATER_EQUAL), nil
		}

		return t.single(GREATER_THAN), nil
	case '!':
		switch t.peekChar() {
		case '=':
			return t.double(NOT_EQUAL), nil
		case '~':
			return t.double(NOT_EQUIVALENT), nil
		}

		return t.single(OTHER), nil
	}

	if tokenType, ok := singleCharTokens[t.current]; ok {
		return t.single(tokenType), nil
	}

	switch {
	case unicode.IsLetter(t.current) || t.current == '_':
		return t.readWord(), nil
	case unicode.IsDigit(t.current):
		return t.readNumber()
	}

	return t.single(OTHER), nil
}

// readChar reads the next character
func (t *tokenizer) readChar() {
	if t.current == '\n' {
		t.line++
		t.column = 1
	} else {
		t.column++
	}

	t.offset = t.next

	if t.next >= len(t.input) {
		t.current = 0
		return
	}

	r, size := utf8.DecodeRuneInString(t.input[t.next:])
	t.current = r
	t.next += size
}

// peekChar looks ahead at the next character
func (t *tokenizer) peekChar() rune {
	if t.next >= len(t.input) {
		return 0
	}

	r, _ := utf8.DecodeRuneInString(t.input[t.next:])

	return r
}

func (t *tokenizer) pos() Position {
	return Position{Line: t.line, Column: t.column, Offset: t.offset}
}

func (t *tokenizer) single(tokenType TokenType) Token {
	token := Token{Type: tokenType, Value: string(t.current), Position: t.pos()}
	t.readChar()

	return token
}

func (t *tokenizer) double(tokenType TokenType) Token {
	start := t.pos()
	t.readChar()
	t.readChar()

	return Token{Type: tokenType, Value: t.input[start.Offset:t.offset], Position: start}
}

// readWhitespace reads whitespace characters
func (t *tokenizer) readWhitespace() Token {
	start := t.pos()

	for t.current != 0 && unicode.IsSpace(t.current) {
		t.readChar()
	}

	return Token{Type: WHITESPACE, Value: t.input[start.Offset:t.offset], Position: start}
}

// readWord reads words (identifiers and keywords)
func (t *tokenizer) readWord() Token {
	start := t.pos()

	for unicode.IsLetter(t.current) || unicode.IsDigit(t.current) || t.current == '_' {
		t.readChar()
	}

	word := t.input[start.Offset:t.offset]

	tokenType, ok := keywords[word]
	if !ok {
		tokenType = IDENTIFIER
	}

	return Token{Type: tokenType, Value: word, Position: start}
}

// readQuoted reads strings and quoted identifiers, keeping the delimiters
func (t *tokenizer) readQuoted(tokenType TokenType, unterminated error) (Token, error) {
	start := t.pos()
	delimiter := t.current
	t.readChar()

	for t.current != 0 && t.current != delimiter {
		if t.current == '\\' {
			t.readChar()
		}

		if t.current != 0 {
			t.readChar()
		}
	}

	if t.current == 0 {
		return Token{}, &PositionError{Err: unterminated, Position: start}
	}

	t.readChar()

	return Token{Type: tokenType, Value: t.input[start.Offset:t.offset], Position: start}, nil
}

// readNumber reads numeric literals
func (t *tokenizer) readNumber() (Token, error) {
	start := t.pos()

	for unicode.IsDigit(t.current) {
		t.readChar()
	}

	if t.current == '.' && unicode.IsDigit(t.peekChar()) {
		t.readChar()

		for unicode.IsDigit(t.current) {
			t.readChar()
		}
	}

	if t.current == 'L' {
		t.readChar()
	}

	if unicode.IsLetter(t.current) || t.current == '_' {
		for unicode.IsLetter(t.current) || unicode.IsDigit(t.current) || t.current == '_' {
			t.readChar()
		}

		return Token{}, &PositionError{Err: ErrInvalidNumber, Position: start}
	}

	return Token{Type: NUMBER, Value: t.input[start.Offset:t.offset], Position: start}, nil
}

func isDateTimeChar(r rune) bool {
	return unicode.IsDigit(r) || strings.ContainsRune("-:.T+Z", r)
}

// readDateTime reads @-prefixed date, datetime and time literals
func (t *tokenizer) readDateTime() (Token, error) {
	start := t.pos()
	t.readChar()

	for isDateTimeChar(t.current) {
		t.readChar()
	}

	value := t.input[start.Offset:t.offset]
	if len(value) == 1 {
		return Token{}, &PositionError{Err: ErrInvalidDateTime, Position: start}
	}

	return Token{Type: DATETIME, Value: value, Position: start}, nil
}

// readLineComment reads line comments
func (t *tokenizer) readLineComment() Token {
	start := t.pos()

	for t.current != 0 && t.current != '\n' && t.current != '\r' {
		t.readChar()
	}

	return Token{Type: LINE_COMMENT, Value: t.input[start.Offset:t.offset], Position: start}
}

// readBlockComment reads block comments
func (t *tokenizer) readBlockComment() (Token, error) {
	start := t.pos()
	t.readChar()
	t.readChar()

	for t.current != 0 {
		if t.current == '*' && t.peekChar() == '/' {
			t.readChar()
			t.readChar()

			return Token{Type: BLOCK_COMMENT, Value: t.input[start.Offset:t.offset], Position: start}, nil
		}

		t.readChar()
	}

	return Token{}, &PositionError{Err: ErrUnterminatedComment, Position: start}
}

// unescape resolves backslash escapes inside quoted text
func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}

	var b strings.Builder

	escaped := false

	for _, r := range s {
		if escaped {
			switch r {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			case 'r':
				b.WriteRune('\r')
			case 'f':
				b.WriteRune('\f')
			default:
				b.WriteRune(r)
			}

			escaped = false

			continue
		}

		if r == '\\' {
			escaped = true
			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

// Unquote returns the content of a string literal without delimiters.
func Unquote(literal string) string {
	if len(literal) >= 2 {
		return unescape(literal[1 : len(literal)-1])
	}

	return literal
}
