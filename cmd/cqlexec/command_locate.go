package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/shibukawa/cqlexec/locator"
)

// LocateCmd represents the locate command
type LocateCmd struct {
	File string `arg:"" help:"CQL file or Markdown document" type:"existingfile"`
}

// Run executes the locate command
func (cmd *LocateCmd) Run(ctx *Context) error {
	code, _, err := readSource(cmd.File)
	if err != nil {
		return err
	}

	locations := locator.FindDefinitions(code)

	if locations.Len() == 0 {
		if !ctx.Quiet {
			color.Yellow("No definitions found in %s", cmd.File)
		}

		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	for name, line := range locations.All() {
		fmt.Fprintf(w, "%s\t%d\n", color.CyanString("%s", name), line)
	}

	return w.Flush()
}
