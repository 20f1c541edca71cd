package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/algomatic/screener-service/internal/dsl"
)

// ValidationResult describes a request that passed validation.
type ValidationResult struct {
	Valid      bool     `json:"valid"`
	Conditions int      `json:"conditions"`
	Fields     []string `json:"fields"`
	Temporal   bool     `json:"temporal"`
	Limit      int      `json:"limit"`
}

func (r ValidationResult) Text(w io.Writer) {
	fmt.Fprintf(w, "✓ Request valid: %d condition(s), limit %d\n", r.Conditions, r.Limit)
	fmt.Fprintf(w, "  fields: %s\n", strings.Join(r.Fields, ", "))
	if r.Temporal {
		fmt.Fprintln(w, "  temporal: yes")
	}
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [request.json]",
		Short: "Validate a screener request",
		Long: `Parse and validate a screener DSL request without touching the store.

The request is read from the given file, or from stdin when no file or "-"
is given. Both the canonical and the legacy filter shapes are accepted.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			v, err := parseAndValidate(cmd, args)
			if err != nil {
				return out.FailErr(err)
			}
			return out.Success(describe(v))
		},
	}
}

func parseAndValidate(cmd *cobra.Command, args []string) (dsl.Validated, error) {
	raw, err := readInput(cmd, args)
	if err != nil {
		return dsl.Validated{}, fmt.Errorf("reading request: %w", err)
	}
	req, err := dsl.Parse(raw)
	if err != nil {
		return dsl.Validated{}, err
	}
	return dsl.Validate(req)
}

func describe(v dsl.Validated) ValidationResult {
	conds := v.Conditions()
	return ValidationResult{
		Valid:      true,
		Conditions: len(conds),
		Fields:     dsl.ReferencedFields(conds),
		Temporal:   dsl.FirstTemporal(conds) != nil,
		Limit:      v.Limit(),
	}
}
