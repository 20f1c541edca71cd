package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/algomatic/screener-service/internal/dsl"
	"github.com/algomatic/screener-service/internal/query"
)

// CompileResult is the statement a request compiles to.
type CompileResult struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

func (r CompileResult) Text(w io.Writer) {
	fmt.Fprintln(w, r.SQL)
	writeParams(w, r.Params)
}

// ConditionFragment is one top-level condition compiled on its own.
type ConditionFragment struct {
	Index  int    `json:"index"`
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

// FragmentList is the result of `compile --conditions`.
type FragmentList []ConditionFragment

func (l FragmentList) Text(w io.Writer) {
	for _, f := range l {
		fmt.Fprintf(w, "[%d] %s\n", f.Index, f.SQL)
		writeParams(w, f.Params)
	}
}

func writeParams(w io.Writer, params []any) {
	for i, p := range params {
		fmt.Fprintf(w, "-- $%d = %#v\n", i+1, p)
	}
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	var perCondition bool

	cmd := &cobra.Command{
		Use:   "compile [request.json]",
		Short: "Print the SQL a screener request compiles to",
		Long: `Validate a screener request and print the parameterized statement the
daemon would execute, followed by its bound values. With --conditions each
top-level condition is compiled separately, numbered from $1.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			v, err := parseAndValidate(cmd, args)
			if err != nil {
				return out.FailErr(err)
			}
			if perCondition {
				return compileFragments(out, v.Conditions())
			}
			c, err := query.Compile(v)
			if err != nil {
				return out.FailErr(err)
			}
			out.VerboseLog("compiled %d parameter(s)", len(c.Values))
			return out.Success(CompileResult{SQL: c.Text, Params: c.Values})
		},
	}

	cmd.Flags().BoolVar(&perCondition, "conditions", false, "compile each top-level condition separately")
	return cmd
}

func compileFragments(out *OutputFormatter, conds []dsl.Condition) error {
	list := make(FragmentList, len(conds))
	for i, c := range conds {
		frag, err := query.CompileCondition(c)
		if err != nil {
			return out.FailErr(err)
		}
		list[i] = ConditionFragment{Index: i + 1, SQL: frag.Text, Params: frag.Values}
	}
	return out.Success(list)
}
