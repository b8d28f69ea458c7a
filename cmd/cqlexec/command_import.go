package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/shibukawa/cqlexec/provider/sqlstore"
)

// ImportCmd represents the import command
type ImportCmd struct {
	Files    []string `arg:"" help:"FHIR bundle or resource JSON files" type:"existingfile"`
	Database string   `help:"Database name from config" short:"d" required:""`
}

// Run executes the import command
func (cmd *ImportCmd) Run(ctx *Context) error {
	config, logger, err := ctx.load()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, ok := config.Databases[cmd.Database]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDatabaseNotDefined, cmd.Database)
	}

	runCtx, cancel := interruptible()
	defer cancel()

	store, err := sqlstore.Connect(runCtx, db.Driver, db.Connection, sqlstore.WithLogger(logger))
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.EnsureSchema(runCtx); err != nil {
		return err
	}

	var total sqlstore.ImportStats

	for _, path := range cmd.Files {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}

		stats, err := store.ImportBundle(runCtx, f)
		f.Close()

		if err != nil {
			return fmt.Errorf("failed to import %s: %w", path, err)
		}

		if ctx.Verbose {
			color.Blue("%s: %d resources, %d value sets, %d codes", path, stats.Resources, stats.ValueSets, stats.Codes)
		}

		total.Resources += stats.Resources
		total.ValueSets += stats.ValueSets
		total.Codes += stats.Codes
	}

	if !ctx.Quiet {
		color.Green("Imported %d resources and %d value sets into %s", total.Resources, total.ValueSets, cmd.Database)
	}

	return nil
}
