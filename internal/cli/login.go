package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login <user>",
	Short: "Log in to the scale account and save the credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, mgr, err := newRunner(ctx, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.Close()

		run := mgr.StartLogin(ctx, args[0])
		if _, err := mgr.Wait(run.ID()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Credential saved for %s.\n", args[0])
		return nil
	},
}
