package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shibukawa/cqlexec/engine"
)

// ErrSerialization indicates a retrieved resource could not be rendered.
var ErrSerialization = errors.New("failed to serialize resource")

// ResourceSerializer renders one retrieved resource as text.
type ResourceSerializer interface {
	Serialize(resource engine.Resource) (string, error)
}

// JSONSerializer pretty-prints resources as JSON.
type JSONSerializer struct {
	Indent string
}

// Serialize implements ResourceSerializer.
func (s JSONSerializer) Serialize(resource engine.Resource) (string, error) {
	indent := s.Indent
	if indent == "" {
		indent = "  "
	}

	data, err := json.MarshalIndent(resource, "", indent)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// Classifier tags evaluated values and renders their text.
type Classifier struct {
	serializer ResourceSerializer
}

// NewClassifier creates a classifier. A nil serializer selects JSONSerializer.
func NewClassifier(serializer ResourceSerializer) *Classifier {
	if serializer == nil {
		serializer = JSONSerializer{}
	}

	return &Classifier{serializer: serializer}
}

// Classify returns the result type and text of a value.
//
// A retrieve is drained here, which closes its cursor; failures reading it are returned as is.
// Failures rendering a resource wrap ErrSerialization.
func (c *Classifier) Classify(ctx context.Context, value engine.Value) (ResultType, string, error) {
	switch v := value.(type) {
	case nil, engine.Null:
		return Null, "Null", nil
	case *engine.Retrieve:
		if v.IsNull() {
			return Retrieve, "Null", nil
		}

		resources, err := v.Drain(ctx)
		if err != nil {
			return "", "", err
		}

		rendered := make([]string, 0, len(resources))
		for _, resource := range resources {
			text, err := c.serializer.Serialize(resource)
			if err != nil {
				return "", "", fmt.Errorf("%w of %s: %w", ErrSerialization, v.DataType, err)
			}

			rendered = append(rendered, text)
		}

		return Retrieve, "[" + strings.Join(rendered, ", ") + "]", nil
	case engine.Decimal:
		return Decimal, v.String(), nil
	case engine.List:
		return List, v.String(), nil
	default:
		return ResultType(v.TypeName()), v.String(), nil
	}
}
