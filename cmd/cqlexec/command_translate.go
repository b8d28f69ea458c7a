package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/shibukawa/cqlexec/elm"
	"github.com/shibukawa/cqlexec/translator"
)

// TranslateCmd represents the translate command
type TranslateCmd struct {
	File       string `arg:"" help:"CQL file or Markdown document" type:"existingfile"`
	Output     string `help:"Write the library XML to this file (default: stdout)" short:"o" type:"path"`
	LibraryDir string `help:"Directory holding included libraries" type:"existingdir"`
}

// Run executes the translate command
func (cmd *TranslateCmd) Run(ctx *Context) error {
	_, logger, err := ctx.load()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	code, _, err := readSource(cmd.File)
	if err != nil {
		return err
	}

	lib, err := translator.Translate(code, translator.WithLogger(logger))
	if err != nil {
		var errs translator.Errors
		if !errors.As(err, &errs) {
			return err
		}

		for _, e := range errs {
			location := "n/a"
			if e.Span != nil {
				location = fmt.Sprintf("%s:%d:%d", cmd.File, e.Span.StartLine, e.Span.StartChar)
			}

			color.Red("%s: %s", location, e.Message)
		}

		return fmt.Errorf("%w: %d errors", ErrTranslationFailed, len(errs))
	}

	if cmd.LibraryDir != "" {
		loader := translator.NewFileLibraryLoader(cmd.LibraryDir, translator.WithLogger(logger))
		for _, include := range lib.Includes {
			id := elm.VersionedIdentifier{ID: include.Path, Version: include.Version}
			if _, err := loader.Load(context.Background(), id); err != nil {
				return fmt.Errorf("failed to resolve include %s: %w", include.LocalIdentifier, err)
			}
		}
	}

	if cmd.Output == "" {
		return lib.WriteXML(os.Stdout)
	}

	if err := lib.DumpXML(cmd.Output); err != nil {
		return err
	}

	if !ctx.Quiet {
		color.Green("Library written to %s", cmd.Output)
	}

	return nil
}
