package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/algomatic/screener-service/internal/screener"
)

type runOptions struct {
	addr    string
	timeout time.Duration
}

// RunResult wraps a daemon response for output.
type RunResult struct {
	*screener.Response
}

func (r RunResult) Text(w io.Writer) {
	fmt.Fprintf(w, "%d match(es)  invocation %s\n", r.Count, r.InvocationID)
	if r.Stale {
		fmt.Fprintln(w, "warning: store unavailable, showing cached results")
	}
	if len(r.Results) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKER\tNAME\tMATCHED")
	for _, res := range r.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\n",
			res.Row.String("ticker"),
			res.Row.String("name"),
			strings.Join(res.MatchedConditions, "; "),
		)
	}
	_ = tw.Flush()

	for _, res := range r.Results {
		if len(res.DerivedMetrics) == 0 {
			continue
		}
		names := make([]string, 0, len(res.DerivedMetrics))
		for name := range res.DerivedMetrics {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, name := range names {
			parts[i] = name + "=" + formatMetric(res.DerivedMetrics[name])
		}
		fmt.Fprintf(w, "  %s: %s\n", res.Row.String("ticker"), strings.Join(parts, " "))
	}
}

func formatMetric(v *float64) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%g", *v)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [request.json]",
		Short: "Run a screen on the screener daemon",
		Long: `Send a screener request to a running daemon and print the enriched
matches. On failure the invocation id is printed so the run can be
inspected later.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScreen(cmd, args, rootOpts, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", DefaultAddr, "daemon gRPC address")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	return cmd
}

func runScreen(cmd *cobra.Command, args []string, rootOpts *RootOptions, opts *runOptions) error {
	out := newFormatter(rootOpts, cmd)

	raw, err := readInput(cmd, args)
	if err != nil {
		return out.FailErr(fmt.Errorf("reading request: %w", err))
	}

	cc, closer, err := rootOpts.Dial(opts.addr)
	if err != nil {
		return out.FailErr(fmt.Errorf("connecting to %s: %w", opts.addr, err))
	}
	defer closer.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	out.VerboseLog("sending request to %s", opts.addr)
	resp, err := NewRemoteScreener(cc).Screen(ctx, raw)
	if err != nil {
		return out.FailErr(err)
	}
	return out.Success(RunResult{resp})
}
