// Package report builds the per-definition evaluation report of a CQL library.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shibukawa/cqlexec/translator"
)

// ResultType classifies an evaluated value.
// Values without a dedicated tag use their own type name, such as Boolean or Tuple.
type ResultType string

const (
	Null     ResultType = "Null"
	Decimal  ResultType = "Decimal"
	List     ResultType = "List"
	Retrieve ResultType = "Retrieve"
)

// Entry is the report of one definition, or the single entry of a failed translation.
// Exactly one of Result and Error is set on definition entries; ResultType accompanies Result.
type Entry struct {
	Name             string     `json:"name"`
	Location         string     `json:"location"`
	Result           *string    `json:"result,omitempty"`
	Error            *string    `json:"error,omitempty"`
	ResultType       ResultType `json:"resultType,omitempty"`
	TranslationError string     `json:"translation-error,omitempty"`
}

type definitionEntry struct {
	Name       string     `json:"name"`
	Location   string     `json:"location"`
	Result     *string    `json:"result,omitempty"`
	Error      *string    `json:"error,omitempty"`
	ResultType ResultType `json:"resultType,omitempty"`
}

type translationEntry struct {
	TranslationError string `json:"translation-error"`
}

// MarshalJSON writes a translation failure as its error alone and a definition
// entry with its name and location always present.
func (e Entry) MarshalJSON() ([]byte, error) {
	if e.TranslationError != "" {
		return marshalEntry(translationEntry{TranslationError: e.TranslationError})
	}

	return marshalEntry(definitionEntry{
		Name:       e.Name,
		Location:   e.Location,
		Result:     e.Result,
		Error:      e.Error,
		ResultType: e.ResultType,
	})
}

// marshalEntry leaves HTML escaping to the encoder writing the report
func marshalEntry(v any) ([]byte, error) {
	var buf bytes.Buffer

	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)

	if err := encoder.Encode(v); err != nil {
		return nil, err
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Succeeded reports whether the entry carries a result.
func (e Entry) Succeeded() bool {
	return e.Result != nil
}

// Message returns the evaluation error of a failed entry.
func (e Entry) Message() string {
	if e.Error == nil {
		return ""
	}

	return *e.Error
}

// Report is the ordered list of entries of one request.
type Report []Entry

// IsTranslationFailure reports whether the report only describes a translation failure.
func (r Report) IsTranslationFailure() bool {
	return len(r) == 1 && r[0].TranslationError != ""
}

// Failures counts entries without a result.
func (r Report) Failures() int {
	n := 0
	for _, e := range r {
		if !e.Succeeded() {
			n++
		}
	}

	return n
}

// Location formats a definition line as reported.
func Location(line int) string {
	return fmt.Sprintf("[%d:1]", line)
}

// TranslationFailure returns the single-entry report of a library that could not be translated.
func TranslationFailure(err error) Report {
	var errs translator.Errors
	if errors.As(err, &errs) {
		return Report{{TranslationError: errs.Error()}}
	}

	message := "unknown translation failure"
	if err != nil {
		message = err.Error()
	}

	return Report{{TranslationError: translator.Errors{{Message: message}}.Error()}}
}
