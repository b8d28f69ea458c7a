package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/shibukawa/cqlexec/markdownsource"
)

// readSource loads CQL from a .cql file or from the cql block of a Markdown document.
// Markdown code keeps its document line numbers.
func readSource(path string) (string, markdownsource.FrontMatter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", markdownsource.FrontMatter{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if !markdownsource.IsMarkdownFile(path) {
		return string(data), markdownsource.FrontMatter{}, nil
	}

	doc, err := markdownsource.Parse(bytes.NewReader(data))
	if err != nil {
		return "", markdownsource.FrontMatter{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return doc.Source(true), doc.FrontMatter, nil
}

// parseParameters reads name=value pairs. Values are integers, decimals, booleans, or
// strings; single quotes force a string.
func parseParameters(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))

	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)

		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q must be name=value", ErrInvalidParameter, pair)
		}

		params[name] = parameterValue(strings.TrimSpace(value))
	}

	return params, nil
}

func parameterValue(value string) any {
	if len(value) >= 2 && strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'") {
		return value[1 : len(value)-1]
	}

	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}

	if d, err := decimal.NewFromString(value); err == nil {
		return d
	}

	switch value {
	case "true":
		return true
	case "false":
		return false
	}

	return value
}
