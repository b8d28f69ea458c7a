package engine

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Value is the result of evaluating a definition.
//
// The set of implementations is closed: Null, Boolean, Integer, Decimal,
// String, DateTime, List, Tuple, *Retrieve and Opaque.
type Value interface {
	// TypeName is the runtime type name reported when no specific tag applies.
	TypeName() string
	String() string
	isValue()
}

// Null is the absent value.
type Null struct{}

// Boolean is a CQL Boolean.
type Boolean bool

// Integer is a CQL Integer.
type Integer int64

// Decimal is a CQL Decimal.
type Decimal struct {
	decimal.Decimal
}

// String is a CQL String.
type String string

// DateTime is a CQL Date or DateTime.
type DateTime struct {
	time.Time
}

// List is an ordered sequence of values.
type List []Value

// Field is a tuple element.
type Field struct {
	Name  string
	Value Value
}

// Tuple is a structured value with named elements sorted by name.
type Tuple []Field

// Opaque is a value without a dedicated variant.
type Opaque struct {
	Type string
	Text string
}

func (Null) isValue()     {}
func (Boolean) isValue()  {}
func (Integer) isValue()  {}
func (Decimal) isValue()  {}
func (String) isValue()   {}
func (DateTime) isValue() {}
func (List) isValue()     {}
func (Tuple) isValue()    {}
func (Opaque) isValue()   {}

func (Null) TypeName() string     { return "Null" }
func (Boolean) TypeName() string  { return "Boolean" }
func (Integer) TypeName() string  { return "Integer" }
func (Decimal) TypeName() string  { return "Decimal" }
func (String) TypeName() string   { return "String" }
func (DateTime) TypeName() string { return "DateTime" }
func (List) TypeName() string     { return "List" }
func (Tuple) TypeName() string    { return "Tuple" }
func (o Opaque) TypeName() string { return o.Type }

func (Null) String() string { return "null" }

func (b Boolean) String() string { return strconv.FormatBool(bool(b)) }

func (i Integer) String() string { return strconv.FormatInt(int64(i), 10) }

func (d Decimal) String() string { return formatDecimal(d.Decimal) }

// formatDecimal renders d with its full scale, so 1.50 stays 1.50
func formatDecimal(d decimal.Decimal) string {
	if d.Exponent() < 0 {
		return d.StringFixed(-d.Exponent())
	}

	return d.String()
}

func (s String) String() string { return string(s) }

// DateTimeLayout is the text form of DateTime values.
const DateTimeLayout = "2006-01-02T15:04:05.000Z07:00"

func (d DateTime) String() string { return d.Format(DateTimeLayout) }

func (l List) String() string {
	parts := make([]string, len(l))
	for i, v := range l {
		parts[i] = v.String()
	}

	return "[" + strings.Join(parts, ", ") + "]"
}

func (t Tuple) String() string {
	parts := make([]string, len(t))
	for i, f := range t {
		parts[i] = f.Name + "=" + f.Value.String()
	}

	return "{" + strings.Join(parts, ", ") + "}"
}

// Get returns the element with the given name.
func (t Tuple) Get(name string) (Value, bool) {
	for _, f := range t {
		if f.Name == name {
			return f.Value, true
		}
	}

	return nil, false
}

func (o Opaque) String() string { return o.Text }

// NewTuple builds a tuple from named values, ordering the elements by name.
func NewTuple(fields map[string]Value) Tuple {
	tuple := make(Tuple, 0, len(fields))
	for name, v := range fields {
		tuple = append(tuple, Field{Name: name, Value: v})
	}

	sort.Slice(tuple, func(i, j int) bool { return tuple[i].Name < tuple[j].Name })

	return tuple
}

// NewDecimalValue parses text as a Decimal value.
func NewDecimalValue(s string) (Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Decimal{}, err
	}

	return Decimal{d}, nil
}
