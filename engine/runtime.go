package engine

import (
	"fmt"
	"time"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"go.uber.org/zap"
)

func (c *Context) retrieve(dataType, valueSet string) ref.Val {
	uri := c.library.DataModelURI()

	provider, ok := c.dataProviders[uri]
	if !ok {
		return types.WrapErr(fmt.Errorf("%w for model '%s'", ErrNoDataProvider, uri))
	}

	req := RetrieveRequest{
		DataType:     dataType,
		Context:      c.currentContext,
		ContextValue: c.contextValues[c.currentContext],
		ValueSet:     valueSet,
	}

	if filtering, ok := provider.(CodeFilteringProvider); ok && valueSet != "" && filtering.ExpandsValueSets() {
		codes, err := c.expand(valueSet)
		if err != nil {
			return types.WrapErr(err)
		}

		req.Codes = codes
	}

	c.logger.Debug("retrieve",
		zap.String("dataType", dataType),
		zap.String("context", req.Context),
		zap.String("contextValue", req.ContextValue),
		zap.String("valueSet", valueSet))

	cursor, err := provider.Retrieve(c.ctx, req)
	if err != nil {
		return types.WrapErr(fmt.Errorf("failed to retrieve %s: %w", dataType, err))
	}

	r := NewRetrieve(dataType, cursor)
	c.retrieves.track(r)

	return &retrieveVal{retrieve: r}
}

func (c *Context) expand(valueSet string) ([]Code, error) {
	if codes, ok := c.valueSets[valueSet]; ok {
		return codes, nil
	}

	if c.terminology == nil {
		return nil, fmt.Errorf("%w to expand %s", ErrNoTerminologyProvider, valueSet)
	}

	codes, err := c.terminology.Expand(c.ctx, valueSet)
	if err != nil {
		return nil, fmt.Errorf("failed to expand value set %s: %w", valueSet, err)
	}

	c.valueSets[valueSet] = codes

	return codes, nil
}

func (c *Context) valueSet(url string) ref.Val {
	codes, err := c.expand(url)
	if err != nil {
		return types.WrapErr(err)
	}

	values := make([]ref.Val, len(codes))
	for i, code := range codes {
		values[i] = codeValue(code)
	}

	return types.NewRefValList(types.DefaultTypeAdapter, values)
}

// items materialises a list or retrieve result
func (c *Context) items(v ref.Val) ([]ref.Val, error) {
	switch val := v.(type) {
	case types.Null:
		return nil, nil
	case *types.Err:
		return nil, val
	case *retrieveVal:
		resources, err := val.retrieve.Drain(c.ctx)
		if err != nil {
			return nil, err
		}

		items := make([]ref.Val, len(resources))
		for i, resource := range resources {
			items[i] = types.DefaultTypeAdapter.NativeToValue(resource)
		}

		return items, nil
	case traits.Lister:
		return listItems(val), nil
	}

	return nil, fmt.Errorf("%w: %s", ErrNotIterable, v.Type().TypeName())
}

func (c *Context) ageInYears(at time.Time) ref.Val {
	birthDate, ok, err := c.birthDate()
	if err != nil {
		return types.WrapErr(err)
	}

	if !ok {
		return types.NullValue
	}

	years := at.Year() - birthDate.Year()
	if at.Month() < birthDate.Month() || (at.Month() == birthDate.Month() && at.Day() < birthDate.Day()) {
		years--
	}

	return types.Int(years)
}

// birthDate reads the birth date of the current patient
func (c *Context) birthDate() (time.Time, bool, error) {
	var patient ref.Val

	if def, ok := c.library.ResolveExpression("Patient"); ok && def.Implicit {
		v, err := c.evaluateDef(def)
		if err != nil {
			return time.Time{}, false, err
		}

		patient = v
	} else {
		items, err := c.items(c.retrieve("Patient", ""))
		if err != nil {
			return time.Time{}, false, err
		}

		if len(items) == 0 {
			return time.Time{}, false, nil
		}

		patient = items[0]
	}

	if err, ok := patient.(*types.Err); ok {
		return time.Time{}, false, err
	}

	mapper, ok := patient.(traits.Mapper)
	if !ok {
		return time.Time{}, false, nil
	}

	value, found := mapper.Find(types.String("birthDate"))
	if !found {
		return time.Time{}, false, nil
	}

	text, ok := value.(types.String)
	if !ok {
		return time.Time{}, false, nil
	}

	birthDate, err := ParseDateTime(string(text))
	if err != nil {
		return time.Time{}, false, err
	}

	return birthDate, true, nil
}
