package translator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/shibukawa/cqlexec/elm"
	"github.com/shibukawa/cqlexec/engine"
)

const sampleLibrary = `library Test version '1.0'
using FHIR version '3.0.0'
include Common version '1' called C

codesystem "LOINC": 'http://loinc.org'
valueset "Diabetes": 'urn:oid:1.2'
public code "Glucose": '2345-7' from "LOINC" display 'Glucose'
parameter "Threshold" Integer default 5

context Patient

// arithmetic
define "Sum": 1 + 2
define "Flag": "Sum" > "Threshold" and not false
define "Conditions": [Condition: "Diabetes"]
define "HasConditions": exists "Conditions"
define "Dec": 1.5 * 2
define "Choice": if "Flag" then 'yes' else 'no'
define "Nothing": null is null
define "Items": { 1, 2, 3 }
define "Pair": Tuple { a: 1, b: 'x' }
define "Born": @2014-01-01
define "GlucoseCode": "Glucose"
define "Selector": Code '123' from "LOINC" display 'x'
define "Shared": C."Shared"
/* functions are recorded only */
define public function "Double"(x Integer, y List<Integer>) returns Integer: x * 2
`

func translate(t *testing.T, source string) *elm.Library {
	t.Helper()

	lib, err := Translate(source)
	assert.NoError(t, err)

	return lib
}

func exprDef(t *testing.T, lib *elm.Library, name string) *elm.ExpressionDef {
	t.Helper()

	def, ok := lib.ResolveExpression(name)
	assert.True(t, ok, name)

	return def
}

func TestTranslate_Headers(t *testing.T) {
	lib := translate(t, sampleLibrary)

	assert.Equal(t, elm.VersionedIdentifier{ID: "Test", Version: "1.0"}, lib.Identifier)
	assert.Equal(t, []elm.UsingDef{{LocalIdentifier: "FHIR", URI: "http://hl7.org/fhir", Version: "3.0.0"}}, lib.Usings)
	assert.Equal(t, []elm.IncludeDef{{LocalIdentifier: "C", Path: "Common", Version: "1"}}, lib.Includes)
	assert.Equal(t, []elm.CodeSystemDef{{Name: "LOINC", ID: "http://loinc.org", Access: "public"}}, lib.CodeSystems)
	assert.Equal(t, []elm.ValueSetDef{{Name: "Diabetes", ID: "urn:oid:1.2", Access: "public"}}, lib.ValueSets)
	assert.Equal(t, []elm.CodeDef{{Name: "Glucose", ID: "2345-7", CodeSystem: "LOINC", Display: "Glucose", Access: "public"}}, lib.Codes)

	assert.Equal(t, 1, len(lib.Parameters))
	param := lib.Parameters[0]
	assert.Equal(t, "Threshold", param.Name)
	assert.Equal(t, "Integer", param.Type)
	assert.Equal(t, "param_Threshold", param.Identifier)
	assert.Equal(t, "5", param.Default.Translated)
	assert.Equal(t, "param_Threshold_default", param.Default.Identifier)
}

func TestTranslate_Expressions(t *testing.T) {
	lib := translate(t, sampleLibrary)

	tests := []struct {
		name     string
		expected string
	}{
		{"Sum", `(1 + 2)`},
		{"Flag", `((def_Sum_1 > param_Threshold) && !(false))`},
		{"Conditions", `Retrieve("Condition", "urn:oid:1.2")`},
		{"HasConditions", `Exists(def_Conditions_3)`},
		{"Dec", `(decimal("1.5") * 2)`},
		{"Choice", `(def_Flag_2 ? "yes" : "no")`},
		{"Nothing", `(null == null)`},
		{"Items", `[1, 2, 3]`},
		{"Pair", `{"a": 1, "b": "x"}`},
		{"Born", `Date("2014-01-01")`},
		{"GlucoseCode", `Code("2345-7", "http://loinc.org", "Glucose")`},
		{"Selector", `Code("123", "http://loinc.org", "x")`},
		{"Shared", `inc_C_Shared`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, exprDef(t, lib, tt.name).Translated)
		})
	}

	assert.Equal(t, []elm.ExternalRef{{Identifier: "inc_C_Shared", LibraryName: "C", Name: "Shared"}}, lib.ExternalRefs)
	assert.Equal(t, "int", exprDef(t, lib, "Sum").ResultType)
}

func TestTranslate_Definitions(t *testing.T) {
	lib := translate(t, sampleLibrary)

	patient := lib.Statements[0]
	assert.Equal(t, "Patient", patient.Name)
	assert.True(t, patient.Implicit)
	assert.Equal(t, `SingletonFrom(Retrieve("Patient"))`, patient.Translated)
	assert.Equal(t, "Patient", lib.FirstContext())

	sum := exprDef(t, lib, "Sum")
	assert.Equal(t, "Patient", sum.Context)
	assert.Equal(t, "1 + 2", sum.Source)
	assert.Equal(t, elm.Span{StartLine: 13, StartChar: 1, EndLine: 13, EndChar: 19}, sum.Locator)

	double := exprDef(t, lib, "Double")
	assert.True(t, double.Function)
	assert.Equal(t, "public", double.Access)
	assert.Equal(t, "Integer", double.ReturnType)
	assert.Equal(t, "x * 2", double.Source)
	assert.Equal(t, "", double.Translated)
	assert.Equal(t, []elm.OperandDef{{Name: "x", Type: "Integer"}, {Name: "y", Type: "List<Integer>"}}, double.Operands)

	for _, name := range engine.Variables(lib) {
		assert.NotEqual(t, double.Identifier, name)
	}
}

func TestTranslate_DefaultContext(t *testing.T) {
	lib := translate(t, "define \"One\": 1")

	assert.Equal(t, DefaultContext, lib.FirstContext())
	assert.Equal(t, "def_One_0", lib.Statements[0].Identifier)
}

func TestTranslate_Errors(t *testing.T) {
	tests := []struct {
		name     string
		source   string
		expected string
	}{
		{
			name:     "unresolved identifier",
			source:   "library T\ndefine \"X\": \"Missing\"",
			expected: "[2:13, 2:21]could not resolve identifier Missing in the current library",
		},
		{
			name:     "query",
			source:   "using FHIR\ndefine \"Q\": [Condition] C where true",
			expected: "[2:25, 2:25]queries are not supported",
		},
		{
			name:     "retrieve without model",
			source:   "define \"R\": [Condition]",
			expected: "[1:13, 1:23]retrieve of Condition requires a using declaration",
		},
		{
			name:     "user function call",
			source:   "define function F(): 1\ndefine \"G\": F()",
			expected: "[2:13, 2:13]invocation of function F is not supported",
		},
		{
			name:     "case",
			source:   "define \"C\": case when true then 1 else 2 end",
			expected: "[1:13, 1:16]case expressions are not supported",
		},
		{
			name:     "bad header",
			source:   "codesystem \"X\" 'url'",
			expected: "[1:1, 1:20]invalid codesystem statement",
		},
		{
			name:     "stray token",
			source:   "42",
			expected: "[1:1, 1:2]unexpected token \"42\", a declaration is expected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Translate(tt.source)
			assert.Error(t, err)

			var errs Errors
			assert.True(t, errors.As(err, &errs))
			assert.Equal(t, 1, len(errs))
			assert.Equal(t, tt.expected, errs[0].Error())
		})
	}
}

func TestTranslate_TypeErrorsAreMapped(t *testing.T) {
	_, err := Translate("library T\ndefine \"Bad\": 1 + 'a'")
	assert.Error(t, err)

	var errs Errors
	assert.True(t, errors.As(err, &errs))
	assert.NotZero(t, len(errs))
	assert.Contains(t, errs[0].Message, "no matching overload")
	assert.NotZero(t, errs[0].Span)
	assert.Equal(t, 2, errs[0].Span.StartLine)
}

func TestTranslate_TokenizerErrors(t *testing.T) {
	_, err := Translate("define \"S\": 'abc")
	assert.Error(t, err)

	var errs Errors
	assert.True(t, errors.As(err, &errs))
	assert.Contains(t, errs[0].Error(), "[1:13, 1:13]unterminated string literal")
}

func TestErrors_Format(t *testing.T) {
	errs := Errors{
		{Span: &elm.Span{StartLine: 1, StartChar: 2, EndLine: 3, EndChar: 4}, Message: "first"},
		{Message: "second"},
	}

	assert.Equal(t, "[[1:2, 3:4]first, [n/a]second]", errs.Error())
	assert.Equal(t, []string{"[1:2, 3:4]first", "[n/a]second"}, errs.Messages())
}

func TestTranslate_Evaluates(t *testing.T) {
	lib := translate(t, `library T
parameter "Threshold" default 5
define "Sum": 1 + 2
define "Flag": "Sum" > "Threshold" and not false
define "Choice": if "Flag" then 'yes' else 'no'
define "Ratio": 10 / 4
`)

	c, err := engine.NewContext(lib)
	assert.NoError(t, err)

	tests := []struct {
		name     string
		expected engine.Value
	}{
		{"Sum", engine.Integer(3)},
		{"Flag", engine.Boolean(false)},
		{"Choice", engine.String("no")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := c.ResolveExpressionRef(tt.name)
			assert.NoError(t, err)

			result := ev.Evaluate(context.Background())
			assert.NoError(t, result.Err)
			assert.Equal(t, tt.expected, result.Value)
		})
	}

	ev, err := c.ResolveExpressionRef("Ratio")
	assert.NoError(t, err)

	result := ev.Evaluate(context.Background())
	assert.NoError(t, result.Err)
	assert.Equal(t, "2.5", result.Value.String())
}

func TestFileLibraryLoader(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "Common.cql"), []byte("library Common version '1'\ndefine \"Shared\": 42\n"), 0o600))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "Other.cql"), []byte("library Another\ndefine \"X\": 1\n"), 0o600))

	loader := NewFileLibraryLoader(dir)

	lib, err := loader.Load(context.Background(), elm.VersionedIdentifier{ID: "Common", Version: "1"})
	assert.NoError(t, err)
	assert.Equal(t, "Common", lib.Identifier.ID)

	_, err = loader.Load(context.Background(), elm.VersionedIdentifier{ID: "Missing"})
	assert.IsError(t, err, ErrLibraryNotFound)

	_, err = loader.Load(context.Background(), elm.VersionedIdentifier{ID: "Other"})
	assert.IsError(t, err, ErrLibraryMismatch)

	_, err = loader.Load(context.Background(), elm.VersionedIdentifier{})
	assert.IsError(t, err, ErrEmptyLibraryName)
}

func TestFileLibraryLoader_WithInclude(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "Common.cql"), []byte("library Common\ndefine \"Shared\": 40 + 2\n"), 0o600))

	lib := translate(t, "library Main\ninclude Common called C\ndefine \"Answer\": C.\"Shared\"\n")

	c, err := engine.NewContext(lib)
	assert.NoError(t, err)
	c.RegisterLibraryLoader(NewFileLibraryLoader(dir))

	ev, err := c.ResolveExpressionRef("Answer")
	assert.NoError(t, err)

	result := ev.Evaluate(context.Background())
	assert.NoError(t, result.Err)
	assert.Equal(t, engine.Value(engine.Integer(42)), result.Value)
}
