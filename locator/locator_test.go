package locator

import (
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestStripComments(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "line comment",
			input:    "define \"A\": 1 // the answer\ndefine \"B\": 2",
			expected: "define \"A\": 1 \ndefine \"B\": 2",
		},
		{
			name:     "block comment on one line",
			input:    "define /* x */\"A\": 1",
			expected: "define \"A\": 1",
		},
		{
			name:     "multi-line block comment keeps line count",
			input:    "/*\nheader\n*/\ndefine \"A\": 1",
			expected: "\n\n\ndefine \"A\": 1",
		},
		{
			name:     "unterminated block comment runs to end",
			input:    "define \"A\": 1\n/* open\nstill open",
			expected: "define \"A\": 1\n\n",
		},
		{
			name:     "nested block comment closes at first marker",
			input:    "/* a /* b */ c */",
			expected: " c */",
		},
		{
			name:     "opener star does not close",
			input:    "/*/ x */y",
			expected: "y",
		},
		{
			name:     "crlf line comment keeps terminator",
			input:    "a // c\r\nb",
			expected: "a \r\nb",
		},
		{
			name:     "no comments",
			input:    "library Test version '1'",
			expected: "library Test version '1'",
		},
		{
			name:     "empty",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actual := StripComments(tt.input)
			assert.Equal(t, tt.expected, actual)
			assert.Equal(t, strings.Count(tt.input, "\n"), strings.Count(actual, "\n"))
		})
	}
}

func TestLocate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []Definition
	}{
		{
			name:     "single definition",
			input:    "library X\ndefine \"Foo\": 1",
			expected: []Definition{{Name: "Foo", Line: 2}},
		},
		{
			name:     "unquoted definition",
			input:    "define InDemographic: true",
			expected: []Definition{{Name: "InDemographic", Line: 1}},
		},
		{
			name:     "function definitions are excluded",
			input:    "define function \"Bar\"(x Integer): x\ndefine \"Baz\": 2",
			expected: []Definition{{Name: "Baz", Line: 2}},
		},
		{
			name:     "fluent and access modified functions are excluded",
			input:    "define public fluent function \"F\"(x Integer): x\ndefine private function G(): 1",
			expected: []Definition{},
		},
		{
			name:     "access modifier is dropped",
			input:    "define public \"Visible\": 1\ndefine private Hidden: 2",
			expected: []Definition{{Name: "Visible", Line: 1}, {Name: "Hidden", Line: 2}},
		},
		{
			name:     "quoted name starting with modifier word is kept",
			input:    "define \"public health\": 1",
			expected: []Definition{{Name: "public health", Line: 1}},
		},
		{
			name:     "redefinition keeps the last line",
			input:    "define \"A\": 1\ndefine \"B\": 2\ndefine \"A\": 3",
			expected: []Definition{{Name: "B", Line: 2}, {Name: "A", Line: 3}},
		},
		{
			name:     "crlf line endings",
			input:    "library X\r\n\r\ndefine \"A\": 1\r\ndefine \"B\": 2",
			expected: []Definition{{Name: "A", Line: 3}, {Name: "B", Line: 4}},
		},
		{
			name:     "two definitions on one line",
			input:    "define \"A\": 1 define \"B\": 2",
			expected: []Definition{{Name: "A", Line: 1}, {Name: "B", Line: 1}},
		},
		{
			name:     "name spanning lines is not found",
			input:    "define \"Long\n Name\": 1",
			expected: []Definition{},
		},
		{
			name:     "surrounding whitespace trimmed",
			input:    "define   \"Spaced\"   : 1",
			expected: []Definition{{Name: "Spaced", Line: 1}},
		},
		{
			name:     "no definitions",
			input:    "library X version '1'\nusing FHIR version '3.0.0'",
			expected: []Definition{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actual := Locate(tt.input)
			assert.Equal(t, tt.expected, actual.Definitions())
			assert.Equal(t, len(tt.expected), actual.Len())
		})
	}
}

func TestFindDefinitions(t *testing.T) {
	source := strings.Join([]string{
		"library Example version '1.0'",
		"/* commented out",
		"define \"Hidden\": 1",
		"*/",
		"// define \"AlsoHidden\": 2",
		"define \"Shown\": 3",
	}, "\n")

	locations := FindDefinitions(source)

	line, ok := locations.Line("Shown")
	assert.True(t, ok)
	assert.Equal(t, 6, line)

	_, ok = locations.Line("Hidden")
	assert.False(t, ok)

	_, ok = locations.Line("AlsoHidden")
	assert.False(t, ok)
}

func TestLocations_All(t *testing.T) {
	locations := NewLocations()
	locations.Set("A", 1)
	locations.Set("B", 2)
	locations.Set("C", 3)
	locations.Set("A", 4)

	var names []string
	var lines []int

	for name, line := range locations.All() {
		names = append(names, name)
		lines = append(lines, line)
	}

	assert.Equal(t, []string{"B", "C", "A"}, names)
	assert.Equal(t, []int{2, 3, 4}, lines)

	for name := range locations.All() {
		assert.Equal(t, "B", name)
		break
	}
}
