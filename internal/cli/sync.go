package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hayashishungenn/garmin-weight-sync/internal/orchestration"
)

var syncCmd = &cobra.Command{
	Use:   "sync [user...]",
	Short: "Sync measurements to Garmin Connect",
	Long: `Sync fetches, filters, encodes and uploads measurements for the given users.

With --all every stored profile is synced, at most sync.parallel at a time.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().Bool("all", false, "Sync every stored profile")
}

func runSync(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	if all == (len(args) > 0) {
		return fmt.Errorf("give one or more users, or --all")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, mgr, err := newRunner(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	users := args
	if all {
		profiles, err := a.store.ListProfiles(ctx)
		if err != nil {
			return err
		}
		for _, p := range profiles {
			users = append(users, p.Username)
		}
		if len(users) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No profiles configured.")
			return nil
		}
	}

	results, err := mgr.SyncAll(ctx, users, a.cfg.Sync.Parallel)
	printSummary(cmd.OutOrStdout(), results)
	return err
}

// newRunner opens the app and a manager that prints progress to out and
// records sync history.
func newRunner(ctx context.Context, out io.Writer) (*app, *orchestration.Manager, error) {
	a, err := newApp(ctx)
	if err != nil {
		return nil, nil, err
	}
	prompter := newTerminalPrompter(os.Stdin, out)
	p, err := a.pipeline(ctx, prompter.Prompt)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	mgr := orchestration.NewManager(p,
		orchestration.WithHistory(a.store),
		orchestration.WithListener(progressPrinter(out)),
	)
	return a, mgr, nil
}

func progressPrinter(out io.Writer) func(orchestration.Event) {
	var mu sync.Mutex
	return func(ev orchestration.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Stage == orchestration.StageAwaitingInput {
			return
		}
		line := fmt.Sprintf("[%s] %3d%% %-14s %s", ev.Username, ev.Current, ev.Stage, ev.Message)
		if ev.Err != nil && ev.Stage == orchestration.StageError {
			line += ": " + ev.Err.Error()
		}
		fmt.Fprintln(out, line)
	}
}

func printSummary(out io.Writer, results []*orchestration.Result) {
	for _, res := range results {
		if res == nil {
			continue
		}
		fmt.Fprintf(out, "%s: %s fetched=%d kept=%d uploaded=%d duplicate=%d failed=%d\n",
			res.Username, res.Stage, res.Fetched, res.Filtered, res.Succeeded, res.Duplicate, res.Failed)
		for _, d := range res.FailedDetails {
			fmt.Fprintf(out, "  chunk %d (%d records): %s %s %s\n", d.Index, d.Records, d.Status, d.ErrorCode, d.Message)
		}
	}
}
