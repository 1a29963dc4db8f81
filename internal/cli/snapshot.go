package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/syntor/relay/internal/cli/tui"
	"github.com/syntor/relay/pkg/snapshot"
)

func newSnapshotCmd(opts *globalOptions) *cobra.Command {
	var redisAddr string

	snapshotCmd := &cobra.Command{
		Use:   "snapshot [agent]",
		Short: "Read agent stats published to Redis",
		Long: `Read the per-agent stats that relay instances publish to Redis. This
works without access to any admin server, and shows every instance
sharing the configured key prefix.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			storeCfg := cfg.Snapshot.StoreConfig()
			if redisAddr != "" {
				storeCfg.Addr = redisAddr
			}

			store, err := snapshot.Dial(cmd.Context(), storeCfg)
			if err != nil {
				return err
			}
			defer store.Close()

			var snaps []snapshot.Snapshot
			if len(args) == 1 {
				snap, ok, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no snapshot for agent %s", args[0])
				}
				snaps = append(snaps, snap)
			} else {
				snaps, err = store.List(cmd.Context())
				if err != nil {
					return err
				}
			}

			return opts.output(cmd.OutOrStdout(), snaps, func(w io.Writer) error {
				renderSnapshots(w, snaps)
				return nil
			})
		},
	}

	snapshotCmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address (default: snapshot.addr from config)")
	return snapshotCmd
}

func renderSnapshots(w io.Writer, snaps []snapshot.Snapshot) {
	if len(snaps) == 0 {
		fmt.Fprintln(w, tui.DefaultStyles().Warning.Render("no snapshots published"))
		return
	}

	styles := tui.DefaultStyles()
	t := newTable().Headers("AGENT", "INSTANCE", "HEALTH", "BREAKER", "QUEUE", "PROCESSED", "FAILED", "AGE")
	for _, s := range snaps {
		a := s.Agent
		t.Row(
			a.AgentID,
			s.Instance,
			styles.Health(a.Health),
			string(a.Breaker.State),
			fmt.Sprintf("%d/%d", a.Queue.CurrentSize, a.Queue.MaxSize),
			fmt.Sprint(a.Processed),
			fmt.Sprint(a.Failed),
			time.Since(s.PublishedAt).Round(time.Second).String(),
		)
	}
	fmt.Fprintln(w, t.String())
}
