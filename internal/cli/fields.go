package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/algomatic/screener-service/internal/fields"
)

// FieldInfo describes one screenable field.
type FieldInfo struct {
	Name    string   `json:"name"`
	Column  string   `json:"column"`
	Kind    string   `json:"kind"`
	Derived bool     `json:"derived,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
}

// FieldList is the result of `fields`.
type FieldList []FieldInfo

func (l FieldList) Text(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCOLUMN\tKIND\tALIASES")
	for _, f := range l {
		kind := f.Kind
		if f.Derived {
			kind += " (derived)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", f.Name, f.Column, kind, strings.Join(f.Aliases, ", "))
	}
	_ = tw.Flush()
}

// NewFieldsCommand creates the fields command.
func NewFieldsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "fields",
		Short:         "List the fields a screen may reference",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newFormatter(rootOpts, cmd).Success(listFields())
		},
	}
}

func listFields() FieldList {
	aliases := make(map[fields.Field][]string)
	for _, name := range fields.Names() {
		f, _ := fields.Resolve(name)
		if f.Name() != name {
			aliases[f] = append(aliases[f], name)
		}
	}

	all := fields.All()
	out := make(FieldList, len(all))
	for i, f := range all {
		spec := f.Spec()
		kind := "numeric"
		if spec.Kind == fields.Text {
			kind = "text"
		}
		out[i] = FieldInfo{
			Name:    spec.Name,
			Column:  f.Column(),
			Kind:    kind,
			Derived: spec.Derived,
			Aliases: aliases[f],
		}
	}
	return out
}
