package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"coreinit/internal/unit"
	cistrings "coreinit/pkg/strings"
)

// newStatusCmd reports one unit's projected state, the coreinit analog of
// `systemctl status`. Grounded on the teacher's cmd/list.go table rendering
// (go-pretty/v6, StyleRounded, bold blue headers).
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status UNIT",
		Short: "Show a unit's load/active state and any running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}

			st, ok := m.Status(unit.ID(args[0]))
			if !ok {
				return fmt.Errorf("coreinit: unit %s not loaded", args[0])
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendRow(table.Row{text.Bold.Sprint("Unit"), st.ID})
			t.AppendRow(table.Row{text.Bold.Sprint("Type"), st.Type})
			t.AppendRow(table.Row{text.Bold.Sprint("Load"), st.LoadState})
			t.AppendRow(table.Row{text.Bold.Sprint("Active"), colorActiveState(st.ActiveState.String())})
			if st.MainPID != 0 {
				t.AppendRow(table.Row{text.Bold.Sprint("Main PID"), st.MainPID})
			}
			if st.CGroupPath != "" {
				t.AppendRow(table.Row{text.Bold.Sprint("CGroup"), st.CGroupPath})
			}
			if st.HasJob {
				t.AppendRow(table.Row{text.Bold.Sprint("Job"), st.RunningJob})
			}
			if st.LastError != nil {
				t.AppendRow(table.Row{text.Bold.Sprint("Error"), cistrings.TruncateOneLine(st.LastError.Error(), cistrings.MaxStatusFieldLen)})
			}
			t.Render()
			return nil
		},
	}
}

func colorActiveState(s string) string {
	switch s {
	case "active":
		return text.Colors{text.FgHiGreen, text.Bold}.Sprint(s)
	case "failed":
		return text.Colors{text.FgHiRed, text.Bold}.Sprint(s)
	case "activating", "deactivating", "reloading":
		return text.Colors{text.FgHiYellow, text.Bold}.Sprint(s)
	default:
		return s
	}
}

func init() {
	rootCmd.AddCommand(newStatusCmd())
}
