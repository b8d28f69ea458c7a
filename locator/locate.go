package locator

import (
	"iter"
	"regexp"
	"strings"
)

var (
	lineSplitter = regexp.MustCompile(`\r?\n`)
	// definitionName captures the text between "define " and the next colon.
	definitionName = regexp.MustCompile(`define\s(.*?):`)
	// functionHeader matches definitions that introduce a function.
	functionHeader = regexp.MustCompile(`define\s+(?:(?:public|private)\s+)?(?:fluent\s+)?function`)
	accessModifier = regexp.MustCompile(`^(?:public|private)\s+`)
)

// Definition is a located definition name and its 1-based line.
type Definition struct {
	Name string
	Line int
}

// Locations maps definition names to lines, iterating in source order.
//
// Setting an existing name replaces its line and moves it to the end, so
// iteration is always in ascending order of the recorded lines when names
// are set while scanning top to bottom.
type Locations struct {
	index map[string]int
	defs  []Definition
}

// NewLocations returns an empty container.
func NewLocations() *Locations {
	return &Locations{index: make(map[string]int)}
}

// Set records name at line.
func (l *Locations) Set(name string, line int) {
	if i, ok := l.index[name]; ok {
		l.defs = append(l.defs[:i], l.defs[i+1:]...)
		for j := i; j < len(l.defs); j++ {
			l.index[l.defs[j].Name] = j
		}
	}

	l.index[name] = len(l.defs)
	l.defs = append(l.defs, Definition{Name: name, Line: line})
}

// Line returns the recorded line of name.
func (l *Locations) Line(name string) (int, bool) {
	i, ok := l.index[name]
	if !ok {
		return 0, false
	}

	return l.defs[i].Line, true
}

// Len returns the number of located names.
func (l *Locations) Len() int {
	return len(l.defs)
}

// All iterates over name and line pairs in source order.
func (l *Locations) All() iter.Seq2[string, int] {
	return func(yield func(string, int) bool) {
		for _, d := range l.defs {
			if !yield(d.Name, d.Line) {
				return
			}
		}
	}
}

// Definitions returns a copy of the located definitions in source order.
func (l *Locations) Definitions() []Definition {
	result := make([]Definition, len(l.defs))
	copy(result, l.defs)

	return result
}

// Locate scans comment-free text and records the line of every definition
// that is not a function. A name spanning several lines is not found.
func Locate(stripped string) *Locations {
	locations := NewLocations()

	for i, line := range lineSplitter.Split(stripped, -1) {
		if !strings.Contains(line, "define") || functionHeader.MatchString(line) {
			continue
		}

		for _, match := range definitionName.FindAllStringSubmatch(line, -1) {
			name := accessModifier.ReplaceAllString(strings.TrimSpace(match[1]), "")
			locations.Set(strings.TrimSpace(strings.ReplaceAll(name, `"`, "")), i+1)
		}
	}

	return locations
}

// FindDefinitions strips comments from source and locates its definitions.
func FindDefinitions(source string) *Locations {
	return Locate(StripComments(source))
}
