// Package testdata embeds the acceptance scenarios shared by the evaluation tests.
//
// Each directory under acceptancetests is named NNN_name and holds a case.md document,
// an expected.json report and optionally a bundle.json loaded into the resource store.
package testdata

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
)

//go:embed acceptancetests/*/*.md acceptancetests/*/*.json
var AcceptanceTests embed.FS

var caseDir = regexp.MustCompile(`^[0-9]{3}_.+$`)

// Case is one acceptance scenario.
type Case struct {
	Name     string
	Document []byte
	Expected []byte
	// Bundle is nil when the case needs no stored resources
	Bundle []byte
}

// GetFS returns the embedded filesystem
func GetFS() embed.FS {
	return AcceptanceTests
}

// AcceptanceCases reads every scenario in directory order.
func AcceptanceCases() ([]Case, error) {
	entries, err := fs.ReadDir(AcceptanceTests, "acceptancetests")
	if err != nil {
		return nil, fmt.Errorf("failed to read acceptancetests directory: %w", err)
	}

	var cases []Case

	for _, entry := range entries {
		if !entry.IsDir() || !caseDir.MatchString(entry.Name()) {
			continue
		}

		dir := path.Join("acceptancetests", entry.Name())
		c := Case{Name: entry.Name()}

		if c.Document, err = fs.ReadFile(AcceptanceTests, path.Join(dir, "case.md")); err != nil {
			return nil, err
		}

		if c.Expected, err = fs.ReadFile(AcceptanceTests, path.Join(dir, "expected.json")); err != nil {
			return nil, err
		}

		c.Bundle, err = fs.ReadFile(AcceptanceTests, path.Join(dir, "bundle.json"))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}

		cases = append(cases, c)
	}

	return cases, nil
}
