package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/shibukawa/cqlexec/elm"
)

// Function names available to translated expressions
const (
	FuncRetrieve      = "Retrieve"
	FuncValueSet      = "ValueSet"
	FuncCode          = "Code"
	FuncCount         = "Count"
	FuncExists        = "Exists"
	FuncFirst         = "First"
	FuncLast          = "Last"
	FuncSingletonFrom = "SingletonFrom"
	FuncToday         = "Today"
	FuncNow           = "Now"
	FuncDate          = "Date"
	FuncDateTime      = "DateTime"
	FuncAgeInYears    = "AgeInYears"
	FuncAgeInYearsAt  = "AgeInYearsAt"
)

// Functions lists the CQL functions translated expressions may call.
var Functions = []string{
	FuncRetrieve, FuncValueSet, FuncCode, FuncCount, FuncExists, FuncFirst, FuncLast, FuncSingletonFrom,
	FuncToday, FuncNow, FuncDate, FuncDateTime, FuncAgeInYears, FuncAgeInYearsAt,
}

// Variables returns the CEL variables a library's expressions may refer to.
func Variables(lib *elm.Library) []string {
	var names []string

	for _, def := range lib.Statements {
		if !def.Function {
			names = append(names, def.Identifier)
		}
	}

	for _, p := range lib.Parameters {
		names = append(names, p.Identifier)
	}

	for _, ext := range lib.ExternalRefs {
		names = append(names, ext.Identifier)
	}

	return names
}

// NewCompileEnv returns an environment for type-checking translated expressions.
// Its functions must not be evaluated.
func NewCompileEnv(variables []string) (*cel.Env, error) {
	return newEnv(variables, nil)
}

func newEnv(variables []string, rt *Context) (*cel.Env, error) {
	vars := make([]*decls.VariableDecl, 0, len(variables))
	for _, name := range variables {
		vars = append(vars, decls.NewVariable(name, types.DynType))
	}

	env, err := cel.NewEnv(
		cel.EagerlyValidateDeclarations(true),
		DecimalLibrary,
		cel.Lib(&cqlLibrary{rt: rt}),
		cel.VariableDecls(vars...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return env, nil
}

// cqlLibrary binds the CQL system functions to an evaluation context
type cqlLibrary struct {
	rt *Context
}

func (l *cqlLibrary) CompileOptions() []cel.EnvOption {
	rt := l.rt
	listOf := cel.ListType(cel.DynType)

	return []cel.EnvOption{
		cel.Function(FuncRetrieve,
			cel.Overload("retrieve_string", []*cel.Type{cel.StringType}, RetrieveType,
				cel.UnaryBinding(func(dataType ref.Val) ref.Val {
					return rt.retrieve(string(dataType.(types.String)), "")
				})),
			cel.Overload("retrieve_string_string", []*cel.Type{cel.StringType, cel.StringType}, RetrieveType,
				cel.BinaryBinding(func(dataType, valueSet ref.Val) ref.Val {
					return rt.retrieve(string(dataType.(types.String)), string(valueSet.(types.String)))
				})),
		),
		cel.Function(FuncValueSet,
			cel.Overload("valueset_string", []*cel.Type{cel.StringType}, listOf,
				cel.UnaryBinding(func(url ref.Val) ref.Val {
					return rt.valueSet(string(url.(types.String)))
				})),
		),
		cel.Function(FuncCode,
			cel.Overload("code_string_string", []*cel.Type{cel.StringType, cel.StringType}, cel.MapType(cel.StringType, cel.StringType),
				cel.BinaryBinding(func(code, system ref.Val) ref.Val {
					return codeValue(Code{Code: string(code.(types.String)), System: string(system.(types.String))})
				})),
			cel.Overload("code_string_string_string", []*cel.Type{cel.StringType, cel.StringType, cel.StringType}, cel.MapType(cel.StringType, cel.StringType),
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					return codeValue(Code{
						Code:    string(args[0].(types.String)),
						System:  string(args[1].(types.String)),
						Display: string(args[2].(types.String)),
					})
				})),
		),
		cel.Function(FuncCount,
			cel.Overload("count_dyn", []*cel.Type{cel.DynType}, cel.IntType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					items, err := rt.items(v)
					if err != nil {
						return types.WrapErr(err)
					}

					return types.Int(len(items))
				})),
		),
		cel.Function(FuncExists,
			cel.Overload("exists_dyn", []*cel.Type{cel.DynType}, cel.BoolType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					items, err := rt.items(v)
					if err != nil {
						return types.WrapErr(err)
					}

					for _, item := range items {
						if item != types.NullValue {
							return types.True
						}
					}

					return types.False
				})),
		),
		cel.Function(FuncFirst,
			cel.Overload("first_dyn", []*cel.Type{cel.DynType}, cel.DynType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					items, err := rt.items(v)
					if err != nil {
						return types.WrapErr(err)
					}

					if len(items) == 0 {
						return types.NullValue
					}

					return items[0]
				})),
		),
		cel.Function(FuncLast,
			cel.Overload("last_dyn", []*cel.Type{cel.DynType}, cel.DynType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					items, err := rt.items(v)
					if err != nil {
						return types.WrapErr(err)
					}

					if len(items) == 0 {
						return types.NullValue
					}

					return items[len(items)-1]
				})),
		),
		cel.Function(FuncSingletonFrom,
			cel.Overload("singleton_from_dyn", []*cel.Type{cel.DynType}, cel.DynType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					items, err := rt.items(v)
					if err != nil {
						return types.WrapErr(err)
					}

					switch len(items) {
					case 0:
						return types.NullValue
					case 1:
						return items[0]
					}

					return types.WrapErr(fmt.Errorf("%w: got %d", ErrNotSingleton, len(items)))
				})),
		),
		cel.Function(FuncToday,
			cel.Overload("today", []*cel.Type{}, cel.TimestampType,
				cel.FunctionBinding(func(...ref.Val) ref.Val {
					now := rt.now.UTC()
					return types.Timestamp{Time: time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)}
				})),
		),
		cel.Function(FuncNow,
			cel.Overload("now", []*cel.Type{}, cel.TimestampType,
				cel.FunctionBinding(func(...ref.Val) ref.Val {
					return types.Timestamp{Time: rt.now}
				})),
		),
		cel.Function(FuncDate,
			cel.Overload("date_string", []*cel.Type{cel.StringType}, cel.TimestampType,
				cel.UnaryBinding(parseDateTimeVal)),
		),
		cel.Function(FuncDateTime,
			cel.Overload("datetime_string", []*cel.Type{cel.StringType}, cel.TimestampType,
				cel.UnaryBinding(parseDateTimeVal)),
		),
		cel.Function(FuncAgeInYears,
			cel.Overload("age_in_years", []*cel.Type{}, cel.IntType,
				cel.FunctionBinding(func(...ref.Val) ref.Val {
					return rt.ageInYears(rt.now)
				})),
		),
		cel.Function(FuncAgeInYearsAt,
			cel.Overload("age_in_years_at_timestamp", []*cel.Type{cel.TimestampType}, cel.IntType,
				cel.UnaryBinding(func(at ref.Val) ref.Val {
					return rt.ageInYears(at.(types.Timestamp).Time)
				})),
		),
	}
}

func (l *cqlLibrary) ProgramOptions() []cel.ProgramOption {
	return nil
}

var _ cel.Library = (*cqlLibrary)(nil)

func codeValue(code Code) ref.Val {
	fields := map[string]string{
		"code":   code.Code,
		"system": code.System,
	}

	if code.Version != "" {
		fields["version"] = code.Version
	}

	if code.Display != "" {
		fields["display"] = code.Display
	}

	return types.DefaultTypeAdapter.NativeToValue(fields)
}

var dateTimeLayouts = []string{
	"2006",
	"2006-01",
	"2006-01-02",
	"2006-01-02T15",
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z07:00",
}

// ParseDateTime parses CQL and FHIR date and datetime text. Values without a zone are UTC.
func ParseDateTime(s string) (time.Time, error) {
	s = strings.TrimPrefix(s, "@")

	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidDateTime, s)
}

func parseDateTimeVal(v ref.Val) ref.Val {
	t, err := ParseDateTime(string(v.(types.String)))
	if err != nil {
		return types.WrapErr(err)
	}

	return types.Timestamp{Time: t}
}

// listItems returns the elements of a CEL list
func listItems(l traits.Lister) []ref.Val {
	var items []ref.Val
	for it := l.Iterator(); it.HasNext() == types.True; {
		items = append(items, it.Next())
	}

	return items
}
