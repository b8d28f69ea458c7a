package elm

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func sampleLibrary() *Library {
	return &Library{
		Identifier: VersionedIdentifier{ID: "Example", Version: "1.0"},
		Usings:     []UsingDef{{LocalIdentifier: "FHIR", URI: ModelURI("FHIR"), Version: "3.0.0"}},
		ValueSets:  []ValueSetDef{{Name: "Pharyngitis", ID: "http://example.org/vs/pharyngitis"}},
		Statements: []*ExpressionDef{
			{Name: "Patient", Context: "Patient", Implicit: true, Translated: "SingletonFrom(Retrieve('Patient'))", Identifier: "def_Patient_0"},
			{Name: "Answer", Context: "Patient", Locator: Span{StartLine: 3, StartChar: 1, EndLine: 3, EndChar: 18}, Translated: "42", Identifier: "def_Answer_1"},
			{Name: "Answer", Context: "Patient", Locator: Span{StartLine: 4, StartChar: 1, EndLine: 4, EndChar: 18}, Translated: "43", Identifier: "def_Answer_2"},
		},
	}
}

func TestLibrary_Resolve(t *testing.T) {
	lib := sampleLibrary()

	def, ok := lib.ResolveExpression("Answer")
	assert.True(t, ok)
	assert.Equal(t, "43", def.Translated)

	def, ok = lib.ResolveIdentifier("def_Answer_1")
	assert.True(t, ok)
	assert.Equal(t, "42", def.Translated)

	_, ok = lib.ResolveExpression("Missing")
	assert.False(t, ok)

	vs, ok := lib.ResolveValueSet("Pharyngitis")
	assert.True(t, ok)
	assert.Equal(t, "http://example.org/vs/pharyngitis", vs.ID)

	assert.Equal(t, "http://hl7.org/fhir", lib.DataModelURI())
	assert.Equal(t, "Patient", lib.FirstContext())
	assert.Equal(t, "", (&Library{}).FirstContext())
}

func TestModelURI(t *testing.T) {
	assert.Equal(t, "http://hl7.org/fhir", ModelURI("FHIR"))
	assert.Equal(t, "urn:Custom", ModelURI("Custom"))
}

func TestLibrary_WriteXML(t *testing.T) {
	var buf bytes.Buffer

	err := sampleLibrary().WriteXML(&buf)
	assert.NoError(t, err)

	xml := buf.String()
	assert.Contains(t, xml, `<library xmlns="urn:hl7-org:elm:r1">`)
	assert.Contains(t, xml, `<identifier id="Example" version="1.0"/>`)
	assert.Contains(t, xml, `locator="3:1-3:18"`)
	assert.Contains(t, xml, `<expression language="cel">42</expression>`)

	id, err := ReadIdentifier(strings.NewReader(xml))
	assert.NoError(t, err)
	assert.Equal(t, VersionedIdentifier{ID: "Example", Version: "1.0"}, id)
}

func TestReadIdentifier_Invalid(t *testing.T) {
	_, err := ReadIdentifier(strings.NewReader(`<other/>`))
	assert.IsError(t, err, ErrInvalidDocument)
}

func TestLibrary_DumpXML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "response.xml")

	var wg sync.WaitGroup

	for i := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			lib := sampleLibrary()
			lib.Identifier.Version = strconv.Itoa(i)
			assert.NoError(t, lib.DumpXML(path))
		}()
	}

	wg.Wait()

	data, err := os.ReadFile(path)
	assert.NoError(t, err)

	id, err := ReadIdentifier(bytes.NewReader(data))
	assert.NoError(t, err)
	assert.Equal(t, "Example", id.ID)
	assert.Equal(t, 1, strings.Count(string(data), "<library "))

	entries, err := os.ReadDir(dir)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(entries))

	assert.Error(t, sampleLibrary().DumpXML(filepath.Join(dir, "missing", "response.xml")))
}
