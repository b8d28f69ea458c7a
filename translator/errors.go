package translator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shibukawa/cqlexec/elm"
	"github.com/shibukawa/cqlexec/tokenizer"
)

// Sentinel errors
var (
	ErrLibraryNotFound  = errors.New("library source not found")
	ErrLibraryMismatch  = errors.New("library identifier does not match include")
	ErrEmptyLibraryName = errors.New("library name is empty")
)

// Error is a translation error with an optional source span.
type Error struct {
	Span    *elm.Span
	Message string
}

func (e *Error) Error() string {
	if e.Span == nil {
		return "[n/a]" + e.Message
	}

	return fmt.Sprintf("[%d:%d, %d:%d]%s", e.Span.StartLine, e.Span.StartChar, e.Span.EndLine, e.Span.EndChar, e.Message)
}

// Errors is the non-empty list of errors of a failed translation.
type Errors []*Error

func (e Errors) Error() string {
	parts := make([]string, 0, len(e))
	for _, err := range e {
		parts = append(parts, err.Error())
	}

	return "[" + strings.Join(parts, ", ") + "]"
}

// Messages returns every error in its formatted form.
func (e Errors) Messages() []string {
	messages := make([]string, 0, len(e))
	for _, err := range e {
		messages = append(messages, err.Error())
	}

	return messages
}

func newError(span elm.Span, format string, args ...any) *Error {
	return &Error{Span: &span, Message: fmt.Sprintf(format, args...)}
}

func tokenSpan(t tokenizer.Token) elm.Span {
	end := t.End()

	return elm.Span{
		StartLine: t.Position.Line,
		StartChar: t.Position.Column,
		EndLine:   end.Line,
		EndChar:   end.Column,
	}
}

func rangeSpan(from, to tokenizer.Token) elm.Span {
	return joinSpan(tokenSpan(from), tokenSpan(to))
}

func joinSpan(a, b elm.Span) elm.Span {
	return elm.Span{
		StartLine: a.StartLine,
		StartChar: a.StartChar,
		EndLine:   b.EndLine,
		EndChar:   b.EndChar,
	}
}

// fromTokenizerError converts a tokenizer failure into a positioned error
func fromTokenizerError(err error) *Error {
	var posErr *tokenizer.PositionError
	if errors.As(err, &posErr) {
		p := posErr.Position
		return newError(elm.Span{StartLine: p.Line, StartChar: p.Column, EndLine: p.Line, EndChar: p.Column}, "%s", posErr.Err.Error())
	}

	return &Error{Message: err.Error()}
}
