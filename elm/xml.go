package elm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/beevik/etree"
)

const elmNamespace = "urn:hl7-org:elm:r1"

// ErrInvalidDocument is returned when XML does not describe a library.
var ErrInvalidDocument = errors.New("invalid library document")

// Document renders the library as an ELM-like XML document.
func (l *Library) Document() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("library")
	root.CreateAttr("xmlns", elmNamespace)

	identifier := root.CreateElement("identifier")
	identifier.CreateAttr("id", l.Identifier.ID)

	if l.Identifier.Version != "" {
		identifier.CreateAttr("version", l.Identifier.Version)
	}

	if len(l.Usings) > 0 {
		usings := root.CreateElement("usings")
		for _, u := range l.Usings {
			def := usings.CreateElement("def")
			def.CreateAttr("localIdentifier", u.LocalIdentifier)
			def.CreateAttr("uri", u.URI)
			setOptional(def, "version", u.Version)
		}
	}

	if len(l.Includes) > 0 {
		includes := root.CreateElement("includes")
		for _, inc := range l.Includes {
			def := includes.CreateElement("def")
			def.CreateAttr("localIdentifier", inc.LocalIdentifier)
			def.CreateAttr("path", inc.Path)
			setOptional(def, "version", inc.Version)
		}
	}

	if len(l.Parameters) > 0 {
		parameters := root.CreateElement("parameters")
		for _, p := range l.Parameters {
			def := parameters.CreateElement("def")
			def.CreateAttr("name", p.Name)
			setOptional(def, "accessLevel", p.Access)
			setOptional(def, "parameterTypeSpecifier", p.Type)

			if p.Default != nil {
				writeExpression(def.CreateElement("default"), p.Default)
			}
		}
	}

	if len(l.CodeSystems) > 0 {
		codeSystems := root.CreateElement("codeSystems")
		for _, cs := range l.CodeSystems {
			def := codeSystems.CreateElement("def")
			def.CreateAttr("name", cs.Name)
			def.CreateAttr("id", cs.ID)
			setOptional(def, "version", cs.Version)
			setOptional(def, "accessLevel", cs.Access)
		}
	}

	if len(l.ValueSets) > 0 {
		valueSets := root.CreateElement("valueSets")
		for _, vs := range l.ValueSets {
			def := valueSets.CreateElement("def")
			def.CreateAttr("name", vs.Name)
			def.CreateAttr("id", vs.ID)
			setOptional(def, "version", vs.Version)
			setOptional(def, "accessLevel", vs.Access)

			for _, cs := range vs.CodeSystems {
				def.CreateElement("codeSystem").CreateAttr("name", cs)
			}
		}
	}

	if len(l.Codes) > 0 {
		codes := root.CreateElement("codes")
		for _, c := range l.Codes {
			def := codes.CreateElement("def")
			def.CreateAttr("name", c.Name)
			def.CreateAttr("id", c.ID)
			setOptional(def, "display", c.Display)
			setOptional(def, "accessLevel", c.Access)
			def.CreateElement("codeSystem").CreateAttr("name", c.CodeSystem)
		}
	}

	if len(l.Statements) > 0 {
		statements := root.CreateElement("statements")
		for _, s := range l.Statements {
			def := statements.CreateElement("def")
			def.CreateAttr("name", s.Name)
			setOptional(def, "context", s.Context)
			setOptional(def, "accessLevel", s.Access)

			if s.Function {
				def.CreateAttr("type", "FunctionDef")

				for _, op := range s.Operands {
					operand := def.CreateElement("operand")
					operand.CreateAttr("name", op.Name)
					operand.CreateAttr("operandTypeSpecifier", op.Type)
				}
			}

			writeExpression(def, s)
		}
	}

	doc.Indent(2)

	return doc
}

func writeExpression(parent *etree.Element, def *ExpressionDef) {
	if !def.Implicit {
		parent.CreateAttr("locator", def.Locator.String())
	}

	expression := parent.CreateElement("expression")
	expression.CreateAttr("language", "cel")
	expression.SetText(def.Translated)
}

func setOptional(e *etree.Element, key, value string) {
	if value != "" {
		e.CreateAttr(key, value)
	}
}

// WriteXML writes the XML form of the library.
func (l *Library) WriteXML(w io.Writer) error {
	_, err := l.Document().WriteTo(w)
	if err != nil {
		return fmt.Errorf("failed to write library XML: %w", err)
	}

	return nil
}

// DumpXML writes the XML form of the library to a file.
// The file is replaced in one step, so concurrent dumps to the same path never interleave.
func (l *Library) DumpXML(path string) error {
	if err := l.dumpXML(path); err != nil {
		return fmt.Errorf("failed to write library XML to %s: %w", path, err)
	}

	return nil
}

func (l *Library) dumpXML(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}

	defer os.Remove(tmp.Name())

	if _, err := l.Document().WriteTo(tmp); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// ReadIdentifier reads the library identifier back from an XML document.
func ReadIdentifier(r io.Reader) (VersionedIdentifier, error) {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(r); err != nil {
		return VersionedIdentifier{}, fmt.Errorf("failed to read library XML: %w", err)
	}

	root := doc.SelectElement("library")
	if root == nil {
		return VersionedIdentifier{}, fmt.Errorf("%w: missing library element", ErrInvalidDocument)
	}

	identifier := root.SelectElement("identifier")
	if identifier == nil {
		return VersionedIdentifier{}, fmt.Errorf("%w: missing identifier element", ErrInvalidDocument)
	}

	return VersionedIdentifier{
		ID:      identifier.SelectAttrValue("id", ""),
		Version: identifier.SelectAttrValue("version", ""),
	}, nil
}
