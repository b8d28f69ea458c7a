// Package elm holds the executable form of a translated CQL library.
package elm

import "fmt"

// Model URIs known by name in using statements.
var modelURIs = map[string]string{
	"System": "urn:hl7-org:elm-types:r1",
	"FHIR":   "http://hl7.org/fhir",
	"QDM":    "urn:healthit-gov:qdm:v5_4",
	"QICore": "http://hl7.org/fhir/us/qicore",
}

// ModelURI returns the URI of a data model name as written in a using statement.
func ModelURI(model string) string {
	if uri, ok := modelURIs[model]; ok {
		return uri
	}

	return "urn:" + model
}

// Span is a source range. Lines and chars are 1-based and inclusive.
type Span struct {
	StartLine int
	StartChar int
	EndLine   int
	EndChar   int
}

func (s Span) String() string {
	return fmt.Sprintf("%d:%d-%d:%d", s.StartLine, s.StartChar, s.EndLine, s.EndChar)
}

// VersionedIdentifier names a library.
type VersionedIdentifier struct {
	ID      string
	Version string
}

func (v VersionedIdentifier) String() string {
	if v.Version == "" {
		return v.ID
	}

	return v.ID + "-" + v.Version
}

// UsingDef declares a data model.
type UsingDef struct {
	LocalIdentifier string
	URI             string
	Version         string
}

// IncludeDef references another library under an alias.
type IncludeDef struct {
	LocalIdentifier string
	Path            string
	Version         string
}

// CodeSystemDef declares a named code system.
type CodeSystemDef struct {
	Name    string
	ID      string
	Version string
	Access  string
}

// ValueSetDef declares a named value set.
type ValueSetDef struct {
	Name        string
	ID          string
	Version     string
	Access      string
	CodeSystems []string
}

// CodeDef declares a named code.
type CodeDef struct {
	Name       string
	ID         string
	CodeSystem string
	Display    string
	Access     string
}

// OperandDef is a function operand.
type OperandDef struct {
	Name string
	Type string
}

// ExpressionDef is a named expression. Parameters default expressions use the same shape.
type ExpressionDef struct {
	Name       string
	Context    string
	Access     string
	Function   bool
	Fluent     bool
	Operands   []OperandDef
	ReturnType string
	// Implicit marks definitions the translator created, such as the context definition.
	Implicit bool
	Locator  Span
	// Source is the CQL expression text
	Source string
	// Translated is the CEL rendering of Source
	Translated string
	// Identifier is the CEL variable that refers to this definition
	Identifier string
	// ResultType is the checked CEL type of Translated
	ResultType string
}

// ParameterDef declares a library parameter.
type ParameterDef struct {
	Name       string
	Access     string
	Type       string
	Identifier string
	Default    *ExpressionDef
}

// ExternalRef is a definition of an included library referenced by alias.
type ExternalRef struct {
	Identifier  string
	LibraryName string
	Name        string
}

// Library is a translated CQL library.
type Library struct {
	Identifier   VersionedIdentifier
	Usings       []UsingDef
	Includes     []IncludeDef
	CodeSystems  []CodeSystemDef
	ValueSets    []ValueSetDef
	Codes        []CodeDef
	Parameters   []*ParameterDef
	Statements   []*ExpressionDef
	ExternalRefs []ExternalRef
}

// ResolveExpression finds a statement by name. Later definitions win.
func (l *Library) ResolveExpression(name string) (*ExpressionDef, bool) {
	for i := len(l.Statements) - 1; i >= 0; i-- {
		if l.Statements[i].Name == name {
			return l.Statements[i], true
		}
	}

	return nil, false
}

// ResolveIdentifier finds a statement by its CEL identifier.
func (l *Library) ResolveIdentifier(identifier string) (*ExpressionDef, bool) {
	for _, def := range l.Statements {
		if def.Identifier == identifier {
			return def, true
		}
	}

	return nil, false
}

// ResolveParameter finds a parameter by name or CEL identifier.
func (l *Library) ResolveParameter(name string) (*ParameterDef, bool) {
	for _, p := range l.Parameters {
		if p.Name == name || p.Identifier == name {
			return p, true
		}
	}

	return nil, false
}

// ResolveExternal finds an external reference by its CEL identifier.
func (l *Library) ResolveExternal(identifier string) (ExternalRef, bool) {
	for _, ref := range l.ExternalRefs {
		if ref.Identifier == identifier {
			return ref, true
		}
	}

	return ExternalRef{}, false
}

// ResolveValueSet finds a value set by name.
func (l *Library) ResolveValueSet(name string) (ValueSetDef, bool) {
	for _, vs := range l.ValueSets {
		if vs.Name == name {
			return vs, true
		}
	}

	return ValueSetDef{}, false
}

// ResolveCodeSystem finds a code system by name.
func (l *Library) ResolveCodeSystem(name string) (CodeSystemDef, bool) {
	for _, cs := range l.CodeSystems {
		if cs.Name == name {
			return cs, true
		}
	}

	return CodeSystemDef{}, false
}

// ResolveCode finds a code by name.
func (l *Library) ResolveCode(name string) (CodeDef, bool) {
	for _, c := range l.Codes {
		if c.Name == name {
			return c, true
		}
	}

	return CodeDef{}, false
}

// ResolveInclude finds an include by alias.
func (l *Library) ResolveInclude(alias string) (IncludeDef, bool) {
	for _, inc := range l.Includes {
		if inc.LocalIdentifier == alias {
			return inc, true
		}
	}

	return IncludeDef{}, false
}

// DataModelURI returns the URI of the first non-system model the library uses.
func (l *Library) DataModelURI() string {
	for _, u := range l.Usings {
		if u.LocalIdentifier != "System" {
			return u.URI
		}
	}

	return ""
}

// FirstContext returns the context of the first statement, or "" when there is none.
func (l *Library) FirstContext() string {
	if len(l.Statements) == 0 {
		return ""
	}

	return l.Statements[0].Context
}
