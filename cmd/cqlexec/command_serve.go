package main

import (
	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/shibukawa/cqlexec/service"
)

// ServeCmd represents the serve command
type ServeCmd struct {
	Listen string `help:"Listen address (overrides server.listen)" short:"l"`
}

// Run executes the serve command
func (cmd *ServeCmd) Run(ctx *Context) error {
	config, logger, err := ctx.load()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if cmd.Listen != "" {
		config.Server.Listen = cmd.Listen
	}

	runCtx, cancel := interruptible()
	defer cancel()

	svc := service.New(config, service.WithLogger(logger))
	if err := svc.Open(runCtx); err != nil {
		return err
	}

	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("failed to close service", zap.Error(err))
		}
	}()

	if !ctx.Quiet {
		color.Green("Serving CQL evaluation on %s", config.Server.Listen)
	}

	return service.NewServer(config.Server, svc).ListenAndServe(runCtx)
}
