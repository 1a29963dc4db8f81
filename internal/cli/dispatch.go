package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/syntor/relay/internal/cli/tui"
	"github.com/syntor/relay/pkg/dispatch"
	"github.com/syntor/relay/pkg/models"
)

func newDispatchCmd(opts *globalOptions) *cobra.Command {
	var (
		target  string
		from    string
		details bool
	)

	dispatchCmd := &cobra.Command{
		Use:   "dispatch <input...>",
		Short: "Dispatch a request to the agents it matches",
		Long: `Classify the input, pick target agents and combine their replies.

Examples:
  relay dispatch "summarise the incident"
  relay dispatch --target billing "refund order 42"
  relay dispatch "urgent: checkout is down"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := dispatch.Request{
				Input: strings.Join(args, " "),
				From:  from,
			}
			if target != "" {
				req.Context = map[string]interface{}{dispatch.TargetContextKey: target}
			}

			result, err := opts.client().Dispatch(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := opts.output(cmd.OutOrStdout(), result, func(w io.Writer) error {
				renderResult(w, result, details || opts.verbose)
				return nil
			}); err != nil {
				return err
			}
			return result.Err()
		},
	}

	dispatchCmd.Flags().StringVarP(&target, "target", "t", "", "send to this agent instead of classifying")
	dispatchCmd.Flags().StringVar(&from, "from", "", "sender id (default: dispatcher source)")
	dispatchCmd.Flags().BoolVarP(&details, "details", "d", false, "show per-agent results")
	return dispatchCmd
}

func renderResult(w io.Writer, result models.Result, details bool) {
	styles := tui.DefaultStyles()

	if result.OK() {
		fmt.Fprintln(w, result.Body)
	} else {
		fmt.Fprintf(w, "%s %s\n", styles.Error.Render(string(result.Kind)+":"), result.Message)
	}

	if !details {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, styles.Muted.Render(fmt.Sprintf("priority %s, targets %s, %s",
		result.Priority, strings.Join(result.Targets, ","), result.Duration)))

	ids := make([]string, 0, len(result.AgentResponses))
	for id := range result.AgentResponses {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r := result.AgentResponses[id]
		status := styles.Success.Render("ok")
		if !r.Succeeded() {
			status = styles.Error.Render(string(r.Kind))
		}
		fmt.Fprintf(w, "  %-16s %s attempts=%d %s\n", id, status, r.Attempts, r.Duration)
		if r.Error != "" {
			fmt.Fprintf(w, "  %-16s %s\n", "", styles.Muted.Render(r.Error))
		}
	}
}
