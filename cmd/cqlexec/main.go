package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"github.com/shibukawa/cqlexec"
)

// Context represents the global context for commands
type Context struct {
	Config  string
	Verbose bool
	Quiet   bool
}

// load reads the configuration and builds the logger of a command
func (c *Context) load() (*cqlexec.Config, *zap.Logger, error) {
	config, err := cqlexec.LoadConfig(c.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := cqlexec.NewLogger(config.Logging, c.Verbose, c.Quiet)
	if err != nil {
		return nil, nil, err
	}

	return config, logger, nil
}

// interruptible returns a context canceled by SIGINT or SIGTERM
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// CLI represents the command-line interface
var CLI struct {
	Config    string       `help:"Configuration file path" default:"cqlexec.yaml"`
	Verbose   bool         `help:"Enable verbose output" short:"v"`
	Quiet     bool         `help:"Suppress output" short:"q"`
	Serve     ServeCmd     `cmd:"" help:"Start the evaluation HTTP service"`
	Eval      EvalCmd      `cmd:"" help:"Evaluate a CQL file or a Markdown document"`
	Locate    LocateCmd    `cmd:"" help:"List the definitions of a CQL file and their lines"`
	Translate TranslateCmd `cmd:"" help:"Translate a CQL file and print the library XML"`
	Import    ImportCmd    `cmd:"" help:"Load a FHIR bundle into a configured database"`
	Version   VersionCmd   `cmd:"" help:"Show version information"`
}

// VersionCmd represents the version command
type VersionCmd struct{}

// Run executes the version command
func (cmd *VersionCmd) Run() error {
	fmt.Println("cqlexec v0.1.0")
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("cqlexec"),
		kong.Description("Evaluate CQL libraries against FHIR data"),
		kong.UsageOnError())

	appCtx := &Context{
		Config:  CLI.Config,
		Verbose: CLI.Verbose,
		Quiet:   CLI.Quiet,
	}

	err := ctx.Run(appCtx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
