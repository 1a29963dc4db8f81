package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/syntor/relay/pkg/config"
	"github.com/syntor/relay/pkg/logging"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var noWatch bool

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the router, dispatcher and admin server",
		Long: `Run a relay: register the configured agents, serve the admin API and
publish events and snapshots when enabled. Routing rules are reloaded when
the config file changes. SIGINT or SIGTERM shuts down gracefully.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if opts.addr != "" {
				cfg.Admin.Addr = opts.addr
			}

			logCfg := cfg.Logging.LoggerConfig()
			if opts.verbose {
				logCfg.Level = logging.DebugLevel
			}
			logger := logging.NewZapLogger(logCfg)
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := NewRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}

			watchPath := ""
			if !noWatch {
				watchPath = watchedConfigPath(opts.configFile)
			}
			return rt.Run(ctx, watchPath)
		},
	}

	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload routing rules when the config file changes")
	return serveCmd
}

// watchedConfigPath picks the file whose changes are applied at runtime: the
// explicit --config file, else the project file, else the global file.
func watchedConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, p := range []string{config.ProjectConfigPath(), config.GlobalConfigPath()} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
