package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hayashishungenn/garmin-weight-sync/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export <user>",
	Short: "Fetch and filter measurements and write them to a Parquet file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, mgr, err := newRunner(ctx, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.Close()

		user := args[0]
		run := mgr.StartFetch(ctx, user)
		res, err := mgr.Wait(run.ID())
		if err != nil {
			return err
		}

		path, _ := cmd.Flags().GetString("out")
		if path == "" {
			name := fmt.Sprintf("%s_%s.parquet", user, res.StartedAt.UTC().Format("20060102T150405Z"))
			path = filepath.Join(a.cfg.ExportDir(), name)
		}
		if err := export.WriteFile(path, res.Records); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d records to %s\n", len(res.Records), path)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("out", "o", "", "Output file (default <data_dir>/export/<user>_<time>.parquet)")
}
