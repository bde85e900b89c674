package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wbrown/janus-dataflow/datalog/server"
)

func newServeCommand(stdout, stderr io.Writer) *cobra.Command {
	var configPath string
	cfg := server.DefaultConfig()

	ccmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over a websocket",
		Long: `
Serves the engine on /ws. Clients send JSON requests to declare
attributes, transact facts, advance time and register queries, and
receive diffs for the queries they are interested in. Prometheus metrics
are on /metrics.

With --journal, every input is written to a journal directory first and
replayed from it on the next start.
`,
		RunE: func(c *cobra.Command, args []string) error {
			if configPath != "" {
				loaded, err := server.LoadConfig(configPath)
				if err != nil {
					return err
				}
				// flags given on the command line win over the file
				flags := c.Flags()
				for name, apply := range map[string]func(){
					"port":           func() { loaded.Port = cfg.Port },
					"workers":        func() { loaded.Workers = cfg.Workers },
					"journal":        func() { loaded.Journal = cfg.Journal },
					"history":        func() { loaded.EnableHistory = cfg.EnableHistory },
					"max-iterations": func() { loaded.MaxIterations = cfg.MaxIterations },
				} {
					if flags.Changed(name) {
						apply()
					}
				}
				cfg = loaded
			}

			verbose, _ := c.Flags().GetBool("verbose")
			logger := newLogger(stderr, verbose)
			defer logger.Sync()

			s, err := server.New(cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return s.ListenAndServe(ctx)
		},
	}

	flags := ccmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	flags.IntVarP(&cfg.Port, "port", "p", cfg.Port, "port to listen on")
	flags.IntVarP(&cfg.Workers, "workers", "w", cfg.Workers, "number of workers")
	flags.StringVar(&cfg.Journal, "journal", "", "journal directory for recovery")
	flags.BoolVar(&cfg.EnableHistory, "history", false, "retain every time for as-of evaluation")
	flags.IntVar(&cfg.MaxIterations, "max-iterations", cfg.MaxIterations, "fixed point iteration bound")
	return ccmd
}

func newLogger(w io.Writer, verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	core := zapcore.NewCore(encoder, zapcore.AddSync(w), level)
	return zap.New(core)
}
