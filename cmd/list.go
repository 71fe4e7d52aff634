package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// newListCmd renders every loaded unit as a table, the coreinit analog of
// `systemctl list-units`. Grounded on the teacher's cmd/list.go.
func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every unit known to coreinit and its current state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}

			units := m.ListUnits()
			if len(units) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no units loaded")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{
				text.Colors{text.FgHiBlue, text.Bold}.Sprint("UNIT"),
				text.Colors{text.FgHiBlue, text.Bold}.Sprint("TYPE"),
				text.Colors{text.FgHiBlue, text.Bold}.Sprint("LOAD"),
				text.Colors{text.FgHiBlue, text.Bold}.Sprint("ACTIVE"),
				text.Colors{text.FgHiBlue, text.Bold}.Sprint("JOB"),
			})

			for _, st := range units {
				job := "-"
				if st.HasJob {
					job = st.RunningJob.String()
				}
				t.AppendRow(table.Row{
					st.ID,
					st.Type,
					st.LoadState,
					colorActiveState(st.ActiveState.String()),
					job,
				})
			}

			t.Render()
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d units listed\n", len(units))
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(newListCmd())
}
