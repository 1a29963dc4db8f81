package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/syntor/relay/internal/cli/tui"
	"github.com/syntor/relay/pkg/admin"
	"github.com/syntor/relay/pkg/router"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [agent]",
		Short: "Show agents, queues and breakers of a running relay",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				st, err := client.Agent(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return opts.output(out, st, func(w io.Writer) error {
					renderAgent(w, st)
					return nil
				})
			}

			resp, err := client.Agents(cmd.Context())
			if err != nil {
				return err
			}
			return opts.output(out, resp, func(w io.Writer) error {
				renderAgents(w, resp)
				return nil
			})
		},
	}
}

func newBreakerCmd(opts *globalOptions) *cobra.Command {
	breakerCmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect and reset circuit breakers",
	}

	breakerCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List breaker states",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Agents(cmd.Context())
			if err != nil {
				return err
			}
			breakers := make(map[string]interface{}, len(resp.Agents))
			for _, a := range resp.Agents {
				breakers[a.AgentID] = a.Breaker
			}
			return opts.output(cmd.OutOrStdout(), breakers, func(w io.Writer) error {
				renderBreakers(w, resp.Agents)
				return nil
			})
		},
	})

	var all bool
	resetCmd := &cobra.Command{
		Use:   "reset [agent]",
		Short: "Force breakers closed",
		Long: `Force one agent's breaker closed, or every breaker with --all. Reset
breakers accept traffic immediately.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give either an agent id or --all")
			}

			client := opts.client()
			var (
				resp admin.ResetResponse
				err  error
			)
			if all {
				resp, err = client.ResetAllBreakers(cmd.Context())
			} else {
				resp, err = client.ResetBreaker(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return opts.output(cmd.OutOrStdout(), resp, func(w io.Writer) error {
				styles := tui.DefaultStyles()
				for _, id := range resp.Reset {
					fmt.Fprintln(w, styles.Success.Render("reset"), id)
				}
				return nil
			})
		},
	}
	resetCmd.Flags().BoolVar(&all, "all", false, "reset every breaker")
	breakerCmd.AddCommand(resetCmd)

	return breakerCmd
}

func newTopCmd(opts *globalOptions) *cobra.Command {
	var interval time.Duration
	topCmd := &cobra.Command{
		Use:   "top",
		Short: "Live dashboard of a running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := opts.adminAddr()
			client := NewClient(addr)
			// fail fast instead of opening an empty dashboard
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if _, err := client.Agents(ctx); err != nil {
				return err
			}
			return tui.Run(client, addr, interval)
		},
	}
	topCmd.Flags().DurationVar(&interval, "interval", time.Second, "refresh interval")
	return topCmd
}

func newTable() *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#6b7b6b"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ade80")).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

func renderAgents(w io.Writer, resp admin.AgentsResponse) {
	styles := tui.DefaultStyles()
	s := resp.Server

	fmt.Fprintf(w, "agents %d  calls %d  replies %d  pending %d  timeouts %d  late %d  open breakers %d\n",
		s.Agents, s.Calls, s.Replies, s.PendingCalls, s.Timeouts, s.LateResponses, s.OpenBreakers)
	if len(resp.Agents) == 0 {
		fmt.Fprintln(w, styles.Warning.Render("no agents registered"))
		return
	}

	headers := make([]string, len(tui.Columns))
	for i, c := range tui.Columns {
		headers[i] = c.Title
	}
	t := newTable().Headers(headers...)
	for i, row := range tui.Rows(resp.Agents) {
		row[1] = styles.Health(resp.Agents[i].Health)
		t.Row(row...)
	}
	fmt.Fprintln(w, t.String())
}

func renderAgent(w io.Writer, st router.AgentStats) {
	styles := tui.DefaultStyles()
	b := st.Breaker
	q := st.Queue

	fmt.Fprintf(w, "%s  %s\n", styles.Header.Render(st.AgentID), styles.Health(st.Health))
	fmt.Fprintf(w, "  registered:  %s\n", st.RegisteredAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  processed:   %d (succeeded %d, failed %d)\n", st.Processed, st.Succeeded, st.Failed)
	fmt.Fprintf(w, "  queue:       %d/%d (high watermark %d, dropped %d, expired %d)\n",
		q.CurrentSize, q.MaxSize, q.HighWatermark, q.Dropped, q.Timeouts)
	fmt.Fprintf(w, "  breaker:     %s (failures %d, successes %d, rejections %d, failure rate %.0f%%)\n",
		b.State, b.FailureCount, b.SuccessCount, b.Rejections, b.FailureRate*100)
	if !b.LastFailure.IsZero() {
		fmt.Fprintf(w, "  last failure: %s\n", b.LastFailure.Format(time.RFC3339))
	}
}

func renderBreakers(w io.Writer, agents []router.AgentStats) {
	t := newTable().Headers("AGENT", "STATE", "FAILURES", "SUCCESSES", "REJECTIONS", "CHANGED")
	for _, a := range agents {
		b := a.Breaker
		changed := "-"
		if !b.LastStateChange.IsZero() {
			changed = b.LastStateChange.Format(time.RFC3339)
		}
		t.Row(a.AgentID, string(b.State),
			fmt.Sprint(b.FailureCount), fmt.Sprint(b.SuccessCount), fmt.Sprint(b.Rejections), changed)
	}
	fmt.Fprintln(w, t.String())
}
