package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/shopspring/decimal"
)

// FromCEL converts an evaluation result to a Value.
//
// A retrieve result at the top level is returned as *Retrieve without being
// read. Retrieve results nested in lists or tuples are drained into lists of
// tuples.
func FromCEL(ctx context.Context, v ref.Val) (Value, error) {
	switch val := v.(type) {
	case nil, types.Null:
		return Null{}, nil
	case *types.Err:
		return nil, val
	case *retrieveVal:
		return val.retrieve, nil
	case *CELDecimal:
		return Decimal{val.Decimal}, nil
	case types.Bool:
		return Boolean(val), nil
	case types.Int:
		return Integer(val), nil
	case types.Uint:
		return Integer(int64(val)), nil
	case types.Double:
		return Decimal{decimal.NewFromFloat(float64(val))}, nil
	case types.String:
		return String(val), nil
	case types.Timestamp:
		return DateTime{val.Time}, nil
	case traits.Mapper:
		return tupleFromCEL(ctx, val)
	case traits.Lister:
		return listFromCEL(ctx, val)
	}

	return Opaque{Type: v.Type().TypeName(), Text: fmt.Sprint(v.Value())}, nil
}

func listFromCEL(ctx context.Context, l traits.Lister) (Value, error) {
	items := listItems(l)
	list := make(List, 0, len(items))

	for i, item := range items {
		v, err := elementFromCEL(ctx, item)
		if err != nil {
			return nil, errors.Join(err, closeRetrieves(items[i+1:]...))
		}

		list = append(list, v)
	}

	return list, nil
}

func tupleFromCEL(ctx context.Context, m traits.Mapper) (Value, error) {
	keys, values := mapEntries(m)
	fields := make(map[string]Value, len(keys))

	for i, key := range keys {
		value, err := elementFromCEL(ctx, values[i])
		if err != nil {
			return nil, errors.Join(err, closeRetrieves(values[i+1:]...))
		}

		fields[fmt.Sprint(key.Value())] = value
	}

	return NewTuple(fields), nil
}

// elementFromCEL converts a list item or tuple element. Retrieve results are
// read into lists of resources.
func elementFromCEL(ctx context.Context, v ref.Val) (Value, error) {
	r, ok := v.(*retrieveVal)
	if !ok {
		return FromCEL(ctx, v)
	}

	resources, err := r.retrieve.Drain(ctx)
	if err != nil {
		return nil, err
	}

	list := make(List, 0, len(resources))
	for _, resource := range resources {
		item, err := FromCEL(ctx, types.DefaultTypeAdapter.NativeToValue(resource))
		if err != nil {
			return nil, err
		}

		list = append(list, item)
	}

	return list, nil
}

func mapEntries(m traits.Mapper) (keys, values []ref.Val) {
	for it := m.Iterator(); it.HasNext() == types.True; {
		key := it.Next()
		keys = append(keys, key)
		values = append(values, m.Get(key))
	}

	return keys, values
}

// closeRetrieves releases every unread retrieve result held by vals
func closeRetrieves(vals ...ref.Val) error {
	var errs []error

	for _, v := range vals {
		switch val := v.(type) {
		case *retrieveVal:
			errs = append(errs, val.retrieve.Close())
		case traits.Mapper:
			_, values := mapEntries(val)
			errs = append(errs, closeRetrieves(values...))
		case traits.Lister:
			errs = append(errs, closeRetrieves(listItems(val)...))
		}
	}

	return errors.Join(errs...)
}

// containsRetrieve reports whether a value holds a retrieve result that must not be shared
func containsRetrieve(v ref.Val) bool {
	switch val := v.(type) {
	case *retrieveVal:
		return true
	case traits.Mapper:
		_, values := mapEntries(val)
		return slices.ContainsFunc(values, containsRetrieve)
	case traits.Lister:
		return slices.ContainsFunc(listItems(val), containsRetrieve)
	}

	return false
}
