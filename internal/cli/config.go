package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/syntor/relay/pkg/config"
)

func newConfigCmd(opts *globalOptions) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage relay configuration",
		Long: `View and initialise relay configuration.

Commands:
  show      - Display the effective configuration
  path      - Show configuration file paths
  init      - Write the default configuration
  validate  - Check a configuration file`,
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return opts.output(cmd.OutOrStdout(), cfg, func(w io.Writer) error {
				return showConfig(w, cfg, opts.configFile)
			})
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			showConfigPaths(cmd.OutOrStdout())
			return nil
		},
	})

	var global, force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Long: `Write the default configuration to the project config file, or to the
global config file with --global. Existing files are kept unless --force
is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ProjectConfigPath()
			if global {
				path = config.GlobalConfigPath()
			}
			if opts.configFile != "" {
				path = opts.configFile
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.Default(), path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Default configuration written to", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&global, "global", false, "write the global config instead of the project config")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	configCmd.AddCommand(initCmd)

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			cfg, err := config.Parse(data)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("%s is invalid:\n%w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (%d agents, %d rules)\n", args[0], len(cfg.Agents), len(cfg.Dispatch.Rules))
			return nil
		},
	})

	return configCmd
}

func showConfig(w io.Writer, cfg *config.Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if path == "" {
		path = config.GlobalConfigPath() + ", " + config.ProjectConfigPath()
	}
	fmt.Fprintln(w, "# relay configuration")
	fmt.Fprintln(w, "# Location:", path)
	fmt.Fprintln(w)
	fmt.Fprint(w, string(data))
	return nil
}

func showConfigPaths(w io.Writer) {
	globalDir, projectDir := config.ConfigPaths()

	fmt.Fprintln(w, "Configuration Paths:")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Global config directory: ", globalDir)
	fmt.Fprintln(w, "Global config file:      ", config.GlobalConfigPath())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Project config directory:", projectDir)
	fmt.Fprintln(w, "Project config file:     ", config.ProjectConfigPath())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "The project config (if present) overrides global settings.")
	fmt.Fprintln(w, "RELAY_* environment variables override both.")

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Status:")
	for _, f := range []struct{ name, path string }{
		{"Global config", config.GlobalConfigPath()},
		{"Project config", config.ProjectConfigPath()},
	} {
		if _, err := os.Stat(f.path); err == nil {
			fmt.Fprintf(w, "  %s: exists\n", f.name)
		} else {
			fmt.Fprintf(w, "  %s: not found\n", f.name)
		}
	}
}
