// Package cli implements the relay command line: the serve command that runs
// the router, and client commands that talk to a running relay.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/syntor/relay/pkg/config"
)

var (
	// Version information (set by build)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const defaultAdminAddr = "127.0.0.1:8420"

// globalOptions holds the persistent flags shared by every command
type globalOptions struct {
	configFile string
	addr       string
	verbose    bool
	jsonOutput bool
	timeout    time.Duration
}

// NewRootCmd builds the relay command tree
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "relay - in-process agent message router",
		Long: `relay routes messages between registered agents through per-agent
priority queues guarded by circuit breakers, and dispatches free-form
requests to one or more agents by keyword.

Run a relay:
  relay serve

Inspect and drive a running relay:
  relay status
  relay dispatch "urgent: billing is down"
  relay breaker reset billing
  relay top`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default: ~/.relay/config.yaml, then .relay/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "admin server address (default: admin.addr from config)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "timeout for admin requests")

	rootCmd.AddCommand(
		newVersionCmd(opts),
		newServeCmd(opts),
		newStatusCmd(opts),
		newDispatchCmd(opts),
		newBreakerCmd(opts),
		newTopCmd(opts),
		newSnapshotCmd(opts),
		newConfigCmd(opts),
	)
	return rootCmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// adminAddr resolves the admin address from the flag, then the config
func (o *globalOptions) adminAddr() string {
	if o.addr != "" {
		return o.addr
	}
	if cfg, err := o.loadConfig(); err == nil && cfg.Admin.Addr != "" {
		return cfg.Admin.Addr
	}
	return defaultAdminAddr
}

func (o *globalOptions) client() *Client {
	c := NewClient(o.adminAddr())
	if o.timeout > 0 {
		c.http.Timeout = o.timeout
	}
	return c
}

// output writes v as indented JSON with --json, otherwise calls text
func (o *globalOptions) output(w io.Writer, v interface{}, text func(io.Writer) error) error {
	if o.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}

func newVersionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":    Version,
				"build_time": BuildTime,
				"git_commit": GitCommit,
			}
			return opts.output(cmd.OutOrStdout(), info, func(w io.Writer) error {
				fmt.Fprintf(w, "relay %s\n", Version)
				fmt.Fprintf(w, "  Build time: %s\n", BuildTime)
				fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
				return nil
			})
		},
	}
}
