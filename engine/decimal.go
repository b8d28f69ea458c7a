package engine

import (
	"fmt"
	"math/big"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/shopspring/decimal"
)

// CELDecimal is a wrapper around decimal.Decimal to implement CEL's ref.Val interface
type CELDecimal struct {
	decimal.Decimal
}

func NewCELDecimal(d decimal.Decimal) *CELDecimal {
	return &CELDecimal{d}
}

func NewCELDecimalFromString(s string) (*CELDecimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDecimalString, s)
	}

	return &CELDecimal{d}, nil
}

// Ensure CELDecimal implements ref.Val and the arithmetic traits
var (
	_ ref.Val           = (*CELDecimal)(nil)
	_ traits.Adder      = (*CELDecimal)(nil)
	_ traits.Subtractor = (*CELDecimal)(nil)
	_ traits.Multiplier = (*CELDecimal)(nil)
	_ traits.Divider    = (*CELDecimal)(nil)
	_ traits.Negater    = (*CELDecimal)(nil)
	_ traits.Comparer   = (*CELDecimal)(nil)
)

// DecimalTypeName is the fully qualified CEL type name for Decimal
const DecimalTypeName = "cql.Decimal"

// DecimalType is the CEL type representation for Decimal
var DecimalType = types.NewObjectType(DecimalTypeName,
	traits.AdderType,
	traits.SubtractorType,
	traits.MultiplierType,
	traits.DividerType,
	traits.NegatorType,
	traits.ComparerType,
)

// Type returns the CEL type of the value
func (d *CELDecimal) Type() ref.Type {
	return DecimalType
}

// Value returns the raw Go value
func (d *CELDecimal) Value() any {
	return d.Decimal
}

// ConvertToNative converts the decimal to a Go native type
func (d *CELDecimal) ConvertToNative(typeDesc reflect.Type) (any, error) {
	switch typeDesc {
	case reflect.TypeOf(decimal.Decimal{}):
		return d.Decimal, nil
	case reflect.TypeOf(&decimal.Decimal{}):
		return &d.Decimal, nil
	case reflect.TypeOf(float64(0)):
		f, _ := d.Float64()
		return f, nil
	case reflect.TypeOf(""):
		return formatDecimal(d.Decimal), nil
	}

	return nil, fmt.Errorf("unsupported native conversion to %v for Decimal", typeDesc)
}

// ConvertToType converts the decimal to another CEL type
func (d *CELDecimal) ConvertToType(typeVal ref.Type) ref.Val {
	switch typeVal {
	case types.DoubleType:
		f, _ := d.Float64()
		return types.Double(f)
	case types.StringType:
		return types.String(formatDecimal(d.Decimal))
	case types.IntType:
		return types.Int(d.IntPart())
	case DecimalType:
		return d
	}

	return types.NewErr("type conversion error from Decimal to %s", typeVal)
}

// Equal returns true if the other value is numerically equal
func (d *CELDecimal) Equal(other ref.Val) ref.Val {
	o, ok := toDecimal(other)
	if !ok {
		return types.False
	}

	return types.Bool(d.Decimal.Equal(o))
}

// Add implements traits.Adder
func (d *CELDecimal) Add(other ref.Val) ref.Val {
	o, ok := toDecimal(other)
	if !ok {
		return types.MaybeNoSuchOverloadErr(other)
	}

	return &CELDecimal{d.Decimal.Add(o)}
}

// Subtract implements traits.Subtractor
func (d *CELDecimal) Subtract(other ref.Val) ref.Val {
	o, ok := toDecimal(other)
	if !ok {
		return types.MaybeNoSuchOverloadErr(other)
	}

	return &CELDecimal{d.Decimal.Sub(o)}
}

// Multiply implements traits.Multiplier
func (d *CELDecimal) Multiply(other ref.Val) ref.Val {
	o, ok := toDecimal(other)
	if !ok {
		return types.MaybeNoSuchOverloadErr(other)
	}

	return &CELDecimal{d.Decimal.Mul(o)}
}

// Divide implements traits.Divider. Division by zero is null.
func (d *CELDecimal) Divide(other ref.Val) ref.Val {
	o, ok := toDecimal(other)
	if !ok {
		return types.MaybeNoSuchOverloadErr(other)
	}

	if o.IsZero() {
		return types.NullValue
	}

	return &CELDecimal{divide(d.Decimal, o)}
}

// divide drops the trailing zeros of the rounded quotient, keeping at least
// the scale of the dividend minus the scale of the divisor
func divide(a, b decimal.Decimal) decimal.Decimal {
	precision := int32(decimal.DivisionPrecision)
	q := a.DivRound(b, precision)

	for scale := max(b.Exponent()-a.Exponent(), 0); scale < precision; scale++ {
		if t := q.Truncate(scale); t.Equal(q) {
			return t
		}
	}

	return q
}

// Negate implements traits.Negater
func (d *CELDecimal) Negate() ref.Val {
	return &CELDecimal{d.Decimal.Neg()}
}

// Compare implements traits.Comparer
func (d *CELDecimal) Compare(other ref.Val) ref.Val {
	o, ok := toDecimal(other)
	if !ok {
		return types.MaybeNoSuchOverloadErr(other)
	}

	return types.Int(d.Cmp(o))
}

func toDecimal(v ref.Val) (decimal.Decimal, bool) {
	switch o := v.(type) {
	case *CELDecimal:
		return o.Decimal, true
	case types.Int:
		return decimal.NewFromInt(int64(o)), true
	case types.Uint:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(o)), 0), true
	case types.Double:
		return decimal.NewFromFloat(float64(o)), true
	}

	return decimal.Decimal{}, false
}

// decimalTypeAdapter converts Go values to CEL values
type decimalTypeAdapter struct{}

func (decimalTypeAdapter) NativeToValue(value any) ref.Val {
	switch v := value.(type) {
	case *CELDecimal:
		return v
	case decimal.Decimal:
		return &CELDecimal{v}
	case Decimal:
		return &CELDecimal{v.Decimal}
	default:
		return types.DefaultTypeAdapter.NativeToValue(value)
	}
}

var _ types.Adapter = (*decimalTypeAdapter)(nil)

type decimalLibrary struct{}

func (l *decimalLibrary) CompileOptions() []cel.EnvOption {
	options := []cel.EnvOption{
		cel.CustomTypeAdapter(decimalTypeAdapter{}),
		cel.Function("decimal",
			cel.Overload("decimal_string", []*cel.Type{cel.StringType}, DecimalType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					d, err := NewCELDecimalFromString(string(arg.(types.String)))
					if err != nil {
						return types.WrapErr(err)
					}

					return d
				})),
			cel.Overload("decimal_int", []*cel.Type{cel.IntType}, DecimalType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					return &CELDecimal{decimal.NewFromInt(int64(arg.(types.Int)))}
				})),
			cel.Overload("decimal_decimal", []*cel.Type{DecimalType}, DecimalType,
				cel.UnaryBinding(func(arg ref.Val) ref.Val {
					return arg
				})),
		),
		cel.Function(operators.Negate,
			cel.Overload("negate_decimal", []*cel.Type{DecimalType}, DecimalType)),
	}

	// Declarations only: the standard operator bindings dispatch on the traits of DecimalType.
	arithmetic := map[string]string{
		operators.Add:      "add",
		operators.Subtract: "subtract",
		operators.Multiply: "multiply",
		operators.Divide:   "divide",
	}
	comparison := map[string]string{
		operators.Less:          "less",
		operators.LessEquals:    "less_equals",
		operators.Greater:       "greater",
		operators.GreaterEquals: "greater_equals",
	}

	operands := map[string]*cel.Type{
		"decimal": DecimalType,
		"int":     cel.IntType,
		"double":  cel.DoubleType,
	}

	for op, base := range arithmetic {
		for suffix, operand := range operands {
			options = append(options, cel.Function(op,
				cel.Overload(base+"_decimal_"+suffix, []*cel.Type{DecimalType, operand}, DecimalType)))
		}
	}

	for op, base := range comparison {
		for suffix, operand := range operands {
			options = append(options, cel.Function(op,
				cel.Overload(base+"_decimal_"+suffix, []*cel.Type{DecimalType, operand}, cel.BoolType)))
		}
	}

	return options
}

func (l *decimalLibrary) ProgramOptions() []cel.ProgramOption {
	return nil
}

var _ cel.Library = (*decimalLibrary)(nil)

// DecimalLibrary registers the Decimal type and its operators
var DecimalLibrary = cel.Lib(&decimalLibrary{})
