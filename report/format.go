package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/goccy/go-yaml"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrInvalidOutputFormat is returned for unknown output formats.
var ErrInvalidOutputFormat = errors.New("invalid output format")

// OutputFormat represents the supported output formats
type OutputFormat string

const (
	FormatJSON     OutputFormat = "json"
	FormatYAML     OutputFormat = "yaml"
	FormatTable    OutputFormat = "table"
	FormatMarkdown OutputFormat = "markdown"
)

// IsValidOutputFormat checks if the output format is valid
func IsValidOutputFormat(format string) bool {
	switch OutputFormat(strings.ToLower(format)) {
	case FormatJSON, FormatYAML, FormatTable, FormatMarkdown:
		return true
	default:
		return false
	}
}

// Formatter writes reports
type Formatter struct {
	Format OutputFormat
}

// NewFormatter creates a new report formatter
func NewFormatter(format OutputFormat) *Formatter {
	return &Formatter{Format: OutputFormat(strings.ToLower(string(format)))}
}

// Write formats a report according to the configured format
func (f *Formatter) Write(r Report, output io.Writer) error {
	switch f.Format {
	case FormatJSON, "":
		return f.writeJSON(r, output)
	case FormatYAML:
		return f.writeYAML(r, output)
	case FormatTable:
		return f.writeTable(r, output)
	case FormatMarkdown:
		return f.writeMarkdown(r, output)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidOutputFormat, f.Format)
	}
}

func (f *Formatter) writeJSON(r Report, output io.Writer) error {
	if r == nil {
		r = Report{}
	}

	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")

	return encoder.Encode(r)
}

// toMapSlice keeps the key order of the JSON form
func toMapSlice(e Entry) yaml.MapSlice {
	if e.TranslationError != "" {
		return yaml.MapSlice{{Key: "translation-error", Value: e.TranslationError}}
	}

	items := yaml.MapSlice{
		{Key: "name", Value: e.Name},
		{Key: "location", Value: e.Location},
	}

	if e.Result != nil {
		items = append(items,
			yaml.MapItem{Key: "result", Value: *e.Result},
			yaml.MapItem{Key: "resultType", Value: string(e.ResultType)})
	} else {
		items = append(items, yaml.MapItem{Key: "error", Value: e.Message()})
	}

	return items
}

func (f *Formatter) writeYAML(r Report, output io.Writer) error {
	entries := make([]yaml.MapSlice, 0, len(r))
	for _, e := range r {
		entries = append(entries, toMapSlice(e))
	}

	data, err := yaml.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal report to YAML: %w", err)
	}

	_, err = output.Write(data)

	return err
}

var tableColumns = []string{"name", "location", "result type", "result"}

// compact folds pretty-printed results onto one line
func compact(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (f *Formatter) writeTable(r Report, output io.Writer) error {
	if r.IsTranslationFailure() {
		_, err := fmt.Fprintln(output, color.RedString("Translation failed: %s", r[0].TranslationError))
		return err
	}

	w := tabwriter.NewWriter(output, 0, 0, 2, ' ', 0)

	upper := cases.Upper(language.English)
	headers := make([]string, len(tableColumns))
	for i, c := range tableColumns {
		headers[i] = upper.String(c)
	}

	fmt.Fprintln(w, strings.Join(headers, "\t"))

	for _, e := range r {
		if e.Succeeded() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Name, e.Location, e.ResultType, compact(*e.Result))
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Name, e.Location, "-", color.RedString("error: %s", e.Message()))
		}
	}

	if err := w.Flush(); err != nil {
		return err
	}

	summary := fmt.Sprintf("%d definitions, %d failed", len(r), r.Failures())
	if r.Failures() > 0 {
		summary = color.YellowString("%s", summary)
	} else {
		summary = color.GreenString("%s", summary)
	}

	_, err := fmt.Fprintln(output, summary)

	return err
}

var markdownEscaper = strings.NewReplacer("|", `\|`, "\n", "<br>")

func (f *Formatter) writeMarkdown(r Report, output io.Writer) error {
	if r.IsTranslationFailure() {
		_, err := fmt.Fprintf(output, "**Translation failed:** `%s`\n", r[0].TranslationError)
		return err
	}

	title := cases.Title(language.English)

	var b strings.Builder

	b.WriteString("|")

	for _, c := range tableColumns {
		b.WriteString(" " + title.String(c) + " |")
	}

	b.WriteString("\n|")
	b.WriteString(strings.Repeat("---|", len(tableColumns)))
	b.WriteString("\n")

	for _, e := range r {
		resultType, text := string(e.ResultType), ""
		if e.Succeeded() {
			text = compact(*e.Result)
		} else {
			resultType, text = "-", "**error:** "+e.Message()
		}

		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
			markdownEscaper.Replace(e.Name), e.Location, resultType, markdownEscaper.Replace(text))
	}

	_, err := io.WriteString(output, b.String())

	return err
}
