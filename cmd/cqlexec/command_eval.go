package main

import (
	"fmt"
	"io"
	"maps"
	"os"

	"github.com/fatih/color"

	"github.com/shibukawa/cqlexec/report"
	"github.com/shibukawa/cqlexec/service"
)

// EvalCmd represents the eval command
type EvalCmd struct {
	File        string   `arg:"" help:"CQL file or Markdown document" type:"existingfile"`
	Patient     string   `help:"Patient id of the Patient context"`
	Terminology string   `help:"Terminology service URL"`
	Data        string   `help:"FHIR data service URL"`
	Param       []string `help:"Parameter value as name=value" short:"p"`
	Format      string   `help:"Output format" default:"table" enum:"json,yaml,table,markdown" short:"f"`
	Output      string   `help:"Output file (default: stdout)" short:"o" type:"path"`
}

// Run executes the eval command
func (cmd *EvalCmd) Run(ctx *Context) error {
	config, logger, err := ctx.load()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	req, err := cmd.request()
	if err != nil {
		return err
	}

	runCtx, cancel := interruptible()
	defer cancel()

	svc := service.New(config, service.WithLogger(logger))
	if err := svc.Open(runCtx); err != nil {
		return err
	}
	defer svc.Close()

	if ctx.Verbose {
		color.Blue("Evaluating %s", cmd.File)
	}

	result, err := svc.Evaluate(runCtx, req)
	if err != nil {
		return err
	}

	var output io.Writer = os.Stdout

	if cmd.Output != "" {
		f, err := os.Create(cmd.Output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()

		output = f
	}

	if err := report.NewFormatter(report.OutputFormat(cmd.Format)).Write(result, output); err != nil {
		return err
	}

	switch {
	case result.IsTranslationFailure():
		return ErrTranslationFailed
	case result.Failures() > 0:
		return fmt.Errorf("%w: %d of %d", ErrDefinitionsFailed, result.Failures(), len(result))
	}

	if cmd.Output != "" && !ctx.Quiet {
		color.Green("Report written to %s", cmd.Output)
	}

	return nil
}

// request merges the front matter of a document with the command line flags
func (cmd *EvalCmd) request() (service.Request, error) {
	code, front, err := readSource(cmd.File)
	if err != nil {
		return service.Request{}, err
	}

	params, err := parseParameters(cmd.Param)
	if err != nil {
		return service.Request{}, err
	}

	req := service.Request{
		Code:           code,
		TerminologyURL: front.Terminology,
		DataURL:        front.Data,
		PatientID:      front.Patient,
		Parameters:     make(map[string]any),
	}

	maps.Copy(req.Parameters, front.Parameters)
	maps.Copy(req.Parameters, params)

	if cmd.Terminology != "" {
		req.TerminologyURL = cmd.Terminology
	}

	if cmd.Data != "" {
		req.DataURL = cmd.Data
	}

	if cmd.Patient != "" {
		req.PatientID = cmd.Patient
	}

	return req, nil
}
