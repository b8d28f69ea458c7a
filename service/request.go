package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
)

// Sentinel errors
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrEmptyCode      = errors.New("request contains no CQL code")
)

// FieldSeparator separates the parts of a plain text request.
const FieldSeparator = ";;;"

// Request is one evaluation request. Empty URLs fall back to the configured providers and an
// empty patient id leaves the context unfiltered unless a default patient is configured.
type Request struct {
	Code           string         `json:"code"`
	TerminologyURL string         `json:"terminologyServiceUri,omitempty"`
	DataURL        string         `json:"dataServiceUri,omitempty"`
	PatientID      string         `json:"patientId,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
}

// ParseRequest reads the plain text form <cql>;;;<terminologyURL>;;;<dataURL>;;;<patientId>.
// Missing trailing parts and the literal null are treated as not provided.
func ParseRequest(body string) (Request, error) {
	parts := strings.SplitN(body, FieldSeparator, 4)

	req := Request{Code: parts[0]}

	optional := func(i int) string {
		if i >= len(parts) {
			return ""
		}

		return absent(parts[i])
	}

	req.TerminologyURL = optional(1)
	req.DataURL = optional(2)
	req.PatientID = optional(3)

	return req, req.validate()
}

// ParseJSONRequest reads the JSON form of a request.
func ParseJSONRequest(r io.Reader) (Request, error) {
	var req Request

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	decoder.UseNumber()

	if err := decoder.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	for name, value := range req.Parameters {
		v, err := parameterValue(value)
		if err != nil {
			return Request{}, fmt.Errorf("%w: parameter %s: %w", ErrInvalidRequest, name, err)
		}

		req.Parameters[name] = v
	}

	req.TerminologyURL = absent(req.TerminologyURL)
	req.DataURL = absent(req.DataURL)
	req.PatientID = absent(req.PatientID)

	return req, req.validate()
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Code) == "" {
		return ErrEmptyCode
	}

	return nil
}

// parameterValue turns JSON numbers into integers or decimals
func parameterValue(value any) (any, error) {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}

		return decimal.NewFromString(v.String())
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			converted, err := parameterValue(item)
			if err != nil {
				return nil, err
			}

			items[i] = converted
		}

		return items, nil
	default:
		return value, nil
	}
}

func absent(s string) string {
	s = strings.TrimSpace(s)
	if s == "null" {
		return ""
	}

	return s
}
