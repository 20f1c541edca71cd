package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/algomatic/screener-service/internal/repository"
	"github.com/algomatic/screener-service/internal/runtracker"
	"github.com/algomatic/screener-service/internal/server"
)

type inspectOptions struct {
	addr    string
	timeout time.Duration
	state   string
	limit   int
}

// InvocationView is the result of `invocations <id>`.
type InvocationView struct {
	*runtracker.Invocation
}

func (v InvocationView) Text(w io.Writer) {
	fmt.Fprintf(w, "%s  %s  %d result(s)\n", v.ID, v.State, v.ResultCount)
	if v.ErrorCode != "" {
		fmt.Fprintf(w, "error [%s]: %s\n", v.ErrorCode, v.ErrorMessage)
	}
	for _, step := range v.History {
		fmt.Fprintf(w, "  %s  %s\n", step.At.Format(time.RFC3339Nano), step.State)
	}
}

// InvocationTable is the result of `invocations`.
type InvocationTable struct {
	*InvocationList
}

func (t InvocationTable) Text(w io.Writer) {
	fmt.Fprintf(w, "%d invocation(s), daemon up %s\n", len(t.Invocations),
		(time.Duration(t.UptimeSeconds) * time.Second).String())
	if len(t.Invocations) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tSTARTED\tRESULTS\tERROR")
	for _, inv := range t.Invocations {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			inv.ID, inv.State, inv.StartTime.Format(time.RFC3339), inv.ResultCount, inv.ErrorCode)
	}
	_ = tw.Flush()
}

// FundamentalsView is the result of `fundamentals`.
type FundamentalsView struct {
	*repository.CompanyFundamentals
}

func (v FundamentalsView) Text(w io.Writer) {
	fmt.Fprintf(w, "%s: %d quarter(s)\n", v.Ticker, len(v.Quarterly))
	if v.TTM != nil {
		fmt.Fprintf(w, "TTM revenue %g  net income %g\n", v.TTM.Revenue, v.TTM.NetIncome)
	}
	if v.RevenueCAGR != nil {
		fmt.Fprintf(w, "revenue CAGR %.2f%% per quarter\n", *v.RevenueCAGR*100)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PERIOD\tREVENUE\tNET INCOME\tEPS")
	for _, q := range v.Quarterly {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", q.PeriodEnd.Format("2006-01-02"),
			formatMetric(q.Revenue), formatMetric(q.NetIncome), formatMetric(q.EPS))
	}
	_ = tw.Flush()
}

// NewInvocationsCommand creates the invocations command.
func NewInvocationsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &inspectOptions{}

	cmd := &cobra.Command{
		Use:   "invocations [id]",
		Short: "Inspect screen invocations tracked by the daemon",
		Long: `Without an id, list recent invocations newest first. With an id, show
that invocation's state history and error, if any.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			state := runtracker.State(opts.state)
			if state != "" && !state.Valid() {
				return out.Fail(ExitCommandError, CLIError{
					Code:    ErrCodeCommand,
					Message: fmt.Sprintf("unknown state %q", opts.state),
				}, nil)
			}
			return withRemote(cmd, rootOpts, opts, func(ctx context.Context, r *RemoteScreener) error {
				if len(args) == 1 {
					inv, err := r.Invocation(ctx, args[0])
					if err != nil {
						return out.FailErr(err)
					}
					return out.Success(InvocationView{inv})
				}
				list, err := r.Invocations(ctx, state, opts.limit)
				if err != nil {
					return out.FailErr(err)
				}
				return out.Success(InvocationTable{list})
			})
		},
	}

	addRemoteFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.state, "state", "", "only list invocations in this state")
	cmd.Flags().IntVar(&opts.limit, "limit", server.DefaultListLimit, "maximum invocations to list")
	return cmd
}

// NewFundamentalsCommand creates the fundamentals command.
func NewFundamentalsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &inspectOptions{}

	cmd := &cobra.Command{
		Use:           "fundamentals <ticker>",
		Short:         "Show a company's quarterly fundamentals",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			return withRemote(cmd, rootOpts, opts, func(ctx context.Context, r *RemoteScreener) error {
				cf, err := r.Fundamentals(ctx, args[0])
				if err != nil {
					return out.FailErr(err)
				}
				return out.Success(FundamentalsView{cf})
			})
		},
	}

	addRemoteFlags(cmd, opts)
	return cmd
}

func addRemoteFlags(cmd *cobra.Command, opts *inspectOptions) {
	cmd.Flags().StringVar(&opts.addr, "addr", DefaultAddr, "daemon gRPC address")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
}

func withRemote(cmd *cobra.Command, rootOpts *RootOptions, opts *inspectOptions, fn func(context.Context, *RemoteScreener) error) error {
	cc, closer, err := rootOpts.Dial(opts.addr)
	if err != nil {
		return newFormatter(rootOpts, cmd).FailErr(fmt.Errorf("connecting to %s: %w", opts.addr, err))
	}
	defer closer.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	return fn(ctx, NewRemoteScreener(cc))
}
