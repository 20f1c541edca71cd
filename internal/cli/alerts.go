package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/algomatic/screener-service/internal/alerts"
	"github.com/algomatic/screener-service/internal/errs"
	"github.com/algomatic/screener-service/internal/redisbus"
)

// RuleSummary is one line of `alerts check` output.
type RuleSummary struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Schedule   string `json:"schedule"`
	Window     string `json:"window"`
	MinMatches int    `json:"min_matches"`
	Disabled   bool   `json:"disabled"`
}

// RuleList is the result of `alerts check`.
type RuleList []RuleSummary

func (l RuleList) Text(w io.Writer) {
	fmt.Fprintf(w, "✓ %d rule(s) valid\n", len(l))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCHEDULE\tWINDOW\tMIN\tSTATE")
	for _, r := range l {
		state := "enabled"
		if r.Disabled {
			state = "disabled"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ID, r.Schedule, r.Window, r.MinMatches, state)
	}
	_ = tw.Flush()
}

// EvaluationSummary is one rule's outcome from `alerts run`.
type EvaluationSummary struct {
	AlertID      string `json:"alert_id"`
	InvocationID string `json:"invocation_id,omitempty"`
	Matches      int    `json:"matches"`
	Triggered    bool   `json:"triggered"`
	Stale        bool   `json:"stale,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	Error        string `json:"error,omitempty"`
}

// EvaluationReport is the result of `alerts run`.
type EvaluationReport []EvaluationSummary

func (r EvaluationReport) Text(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ALERT\tMATCHES\tRESULT\tINVOCATION")
	for _, e := range r {
		result := "quiet"
		switch {
		case e.Error != "":
			result = "error: " + e.Error
		case e.Triggered && e.Stale:
			result = "triggered (stale)"
		case e.Triggered:
			result = "triggered"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.AlertID, e.Matches, result, e.InvocationID)
	}
	_ = tw.Flush()
}

func (r EvaluationReport) failed() int {
	n := 0
	for _, e := range r {
		if e.Error != "" {
			n++
		}
	}
	return n
}

// NewAlertsCommand creates the alerts command group.
func NewAlertsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Work with alert rules and alert events",
	}
	cmd.AddCommand(newAlertsCheckCommand(rootOpts))
	cmd.AddCommand(newAlertsRunCommand(rootOpts))
	cmd.AddCommand(newAlertsWatchCommand(rootOpts))
	return cmd
}

func newAlertsCheckCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "check <rules.yaml>",
		Short:         "Validate an alert rules file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			rules, err := alerts.LoadRules(args[0])
			if err != nil {
				return out.FailErr(err)
			}
			return out.Success(summarize(rules))
		},
	}
}

type alertsRunOptions struct {
	addr        string
	parallelism int
	timeout     time.Duration
	rule        string
}

func newAlertsRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &alertsRunOptions{}

	cmd := &cobra.Command{
		Use:   "run <rules.yaml>",
		Short: "Evaluate alert rules once against the daemon",
		Long: `Evaluate every enabled rule in the file once, or only --rule, against a
running daemon. Triggered alerts are reported here and not published.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlerts(cmd, args[0], rootOpts, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", DefaultAddr, "daemon gRPC address")
	cmd.Flags().IntVar(&opts.parallelism, "parallelism", 4, "maximum concurrent evaluations")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall timeout")
	cmd.Flags().StringVar(&opts.rule, "rule", "", "evaluate only this rule id")

	return cmd
}

func runAlerts(cmd *cobra.Command, path string, rootOpts *RootOptions, opts *alertsRunOptions) error {
	out := newFormatter(rootOpts, cmd)
	logger := commandLogger(rootOpts, cmd)

	rules, err := alerts.LoadRules(path)
	if err != nil {
		return out.FailErr(err)
	}

	cc, closer, err := rootOpts.Dial(opts.addr)
	if err != nil {
		return out.FailErr(fmt.Errorf("connecting to %s: %w", opts.addr, err))
	}
	defer closer.Close()

	evaluator := alerts.NewEvaluator(NewRemoteScreener(cc), alerts.NewLogNotifier(logger), logger)
	sched, err := alerts.NewScheduler(rules, evaluator, alerts.Options{Logger: logger})
	if err != nil {
		return out.FailErr(err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	var results []alerts.RunResult
	if opts.rule != "" {
		outcome, err := sched.EvaluateNow(ctx, opts.rule)
		if errors.Is(err, alerts.ErrUnknownRule) {
			return out.FailErr(err)
		}
		results = []alerts.RunResult{{AlertID: opts.rule, Outcome: outcome, Err: err}}
	} else {
		results = sched.RunAll(ctx, opts.parallelism)
	}

	report := make(EvaluationReport, len(results))
	for i, r := range results {
		report[i] = summarizeRun(r)
	}
	if err := out.Success(report); err != nil {
		return err
	}
	if n := report.failed(); n > 0 {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d alert evaluation(s) failed", n)}
	}
	return nil
}

func summarize(rules []alerts.Rule) RuleList {
	out := make(RuleList, len(rules))
	for i, r := range rules {
		out[i] = RuleSummary{
			ID:         r.ID,
			Name:       r.Name,
			Schedule:   r.Schedule,
			Window:     r.Key().Window,
			MinMatches: r.Threshold(),
			Disabled:   r.Disabled,
		}
	}
	return out
}

func summarizeRun(r alerts.RunResult) EvaluationSummary {
	s := EvaluationSummary{AlertID: r.AlertID}
	if o := r.Outcome; o != nil {
		s.InvocationID = o.InvocationID
		s.Matches = o.Matches
		s.Triggered = o.Triggered
		s.Stale = o.Stale
	}
	if r.Err != nil {
		s.ErrorCode = string(errs.CodeOf(r.Err))
		s.Error = r.Err.Error()
	}
	return s
}

type alertsWatchOptions struct {
	redisAddr string
	password  string
	db        int
	prefix    string
	count     int
}

func newAlertsWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &alertsWatchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream alert events from the bus",
		Long: `Subscribe to the alert_triggered and alert_skipped channels and print each
event as it arrives. JSON output is one event per line.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			client := redis.NewClient(&redis.Options{Addr: opts.redisAddr, Password: opts.password, DB: opts.db})
			defer client.Close()

			bus := redisbus.NewBus(client, opts.prefix, commandLogger(rootOpts, cmd))
			err := bus.Subscribe(cmd.Context(), watchHandler(out, opts.count),
				redisbus.EventAlertTriggered, redisbus.EventAlertSkipped)
			if err != nil {
				return out.FailErr(err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.redisAddr, "redis", "localhost:6379", "redis address")
	cmd.Flags().StringVar(&opts.password, "redis-password", "", "redis password")
	cmd.Flags().IntVar(&opts.db, "redis-db", 0, "redis database")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "screener", "channel prefix")
	cmd.Flags().IntVar(&opts.count, "count", 0, "exit after this many events (0 = run until interrupted)")

	return cmd
}

// watchHandler prints each event and stops after count events when count
// is positive.
func watchHandler(out *OutputFormatter, count int) redisbus.Handler {
	seen := 0
	return func(_ context.Context, e *redisbus.Event) error {
		if out.Format == "json" {
			if err := json.NewEncoder(out.Writer).Encode(e); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(out.Writer, describeEvent(e))
		}
		seen++
		if count > 0 && seen >= count {
			return redisbus.ErrStop
		}
		return nil
	}
}

func describeEvent(e *redisbus.Event) string {
	ts := e.Timestamp.Format(time.RFC3339)
	switch e.EventType {
	case redisbus.EventAlertTriggered:
		var n alerts.Notification
		if err := e.Decode(&n); err != nil {
			break
		}
		line := fmt.Sprintf("%s TRIGGERED %s/%s matches=%d tickers=%s invocation=%s",
			ts, n.AlertID, n.Window, n.Matches, strings.Join(n.Tickers, ","), n.InvocationID)
		if n.Stale {
			line += " (stale)"
		}
		return line
	case redisbus.EventAlertSkipped:
		var s alerts.Skip
		if err := e.Decode(&s); err != nil {
			break
		}
		return fmt.Sprintf("%s SKIPPED %s/%s skipped_total=%d", ts, s.AlertID, s.Window, s.Skipped)
	}
	return fmt.Sprintf("%s %s %s", ts, e.EventType, string(e.Payload))
}
