package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sync runs",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 10, "Number of entries to show")
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.store.ListHistory(cmd.Context(), limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No sync history.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s  %-12s %-10s records=%d ok=%d dup=%d failed=%d  %s\n",
			e.FinishedAt.Local().Format("2006-01-02 15:04"), e.Username, e.Stage,
			e.Records, e.Succeeded, e.Duplicate, e.Failed, e.Message)
	}
	return nil
}
