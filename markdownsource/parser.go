// Package markdownsource reads CQL libraries embedded in Markdown documents.
//
// A document may start with YAML front matter naming the evaluation inputs:
//
//	---
//	patient: "123"
//	terminology: http://terminology.example/fhir
//	data: http://data.example/fhir
//	parameters:
//	  Threshold: 5
//	---
//
// The first fenced block tagged cql holds the library.
package markdownsource

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/shopspring/decimal"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// Sentinel errors
var (
	ErrInvalidFrontMatter = errors.New("invalid front matter")
	ErrNoCQLBlock         = errors.New("document contains no cql code block")
)

// FrontMatter holds the evaluation inputs of a document.
type FrontMatter struct {
	Patient     string         `yaml:"patient"`
	Terminology string         `yaml:"terminology"`
	Data        string         `yaml:"data"`
	Parameters  map[string]any `yaml:"parameters"`
}

// Document is a parsed Markdown source.
type Document struct {
	FrontMatter FrontMatter
	Title       string
	Code        string
	// StartLine is the document line (1-based) holding the first line of Code
	StartLine int
}

// Source returns the CQL code. With keepLines the code is preceded by blank lines so that
// line numbers in the code match the document.
func (d *Document) Source(keepLines bool) string {
	if !keepLines || d.StartLine <= 1 {
		return d.Code
	}

	return strings.Repeat("\n", d.StartLine-1) + d.Code
}

// IsMarkdownFile reports whether path names a Markdown document.
func IsMarkdownFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return true
	default:
		return false
	}
}

// Parse reads a Markdown document and extracts its front matter and CQL block.
func Parse(reader io.Reader) (*Document, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	source := strings.ReplaceAll(string(content), "\r\n", "\n")

	frontMatter, body, offset, err := parseFrontMatter(source)
	if err != nil {
		return nil, err
	}

	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	data := []byte(body)
	doc := md.Parser().Parse(text.NewReader(data))

	document := &Document{FrontMatter: frontMatter}
	found := false

	err = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Heading:
			if node.Level == 1 && document.Title == "" {
				document.Title = headingText(node, data)
			}
		case *ast.FencedCodeBlock:
			if !strings.EqualFold(string(node.Language(data)), "cql") {
				return ast.WalkSkipChildren, nil
			}

			document.Code, document.StartLine = codeBlock(node, data)
			document.StartLine += offset
			found = true

			return ast.WalkStop, nil
		}

		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}

	if !found {
		return nil, ErrNoCQLBlock
	}

	return document, nil
}

// parseFrontMatter splits off the front matter and returns the number of lines it occupied
func parseFrontMatter(content string) (FrontMatter, string, int, error) {
	var frontMatter FrontMatter

	if !strings.HasPrefix(content, "---\n") {
		return frontMatter, content, 0, nil
	}

	end := strings.Index(content[4:], "\n---")
	if end == -1 {
		return frontMatter, "", 0, ErrInvalidFrontMatter
	}

	end += 4

	if err := yaml.Unmarshal([]byte(content[4:end]), &frontMatter); err != nil {
		return frontMatter, "", 0, fmt.Errorf("%w: %w", ErrInvalidFrontMatter, err)
	}

	rest := content[end+4:]
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[i+1:]
	} else {
		rest = ""
	}

	for name, value := range frontMatter.Parameters {
		frontMatter.Parameters[name] = parameterValue(value)
	}

	return frontMatter, rest, strings.Count(content[:len(content)-len(rest)], "\n"), nil
}

// parameterValue maps YAML scalars to the types the engine accepts
func parameterValue(value any) any {
	switch v := value.(type) {
	case uint64:
		return int64(v)
	case int:
		return int64(v)
	case float64:
		return decimal.NewFromFloat(v)
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = parameterValue(item)
		}

		return items
	default:
		return value
	}
}

// codeBlock returns the block content and the line of its first content line
func codeBlock(node *ast.FencedCodeBlock, data []byte) (string, int) {
	var code strings.Builder

	lines := node.Lines()
	for i := range lines.Len() {
		line := lines.At(i)
		code.Write(line.Value(data))
	}

	var start int
	if lines.Len() > 0 {
		start = lines.At(0).Start
	} else if node.Info != nil {
		start = node.Info.Segment.Stop
	}

	line := strings.Count(string(data[:start]), "\n") + 1
	if lines.Len() == 0 {
		line++
	}

	return strings.TrimRight(code.String(), "\n"), line
}

func headingText(node *ast.Heading, data []byte) string {
	var title strings.Builder

	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		if t, ok := child.(*ast.Text); ok {
			title.Write(t.Segment.Value(data))
		}
	}

	return strings.TrimSpace(title.String())
}
