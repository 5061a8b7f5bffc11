package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hayashishungenn/garmin-weight-sync/internal/filter"
	"github.com/hayashishungenn/garmin-weight-sync/internal/store"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage sync profiles",
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		profiles, err := a.store.ListProfiles(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(profiles) == 0 {
			fmt.Fprintln(out, "No profiles configured.")
			return nil
		}
		for _, p := range profiles {
			last := "never"
			if p.LastSync != nil {
				last = p.LastSync.Local().Format("2006-01-02 15:04")
			}
			token := "no"
			if p.Token != nil {
				token = "yes"
			}
			garmin := p.Garmin.Email
			if garmin == "" {
				garmin = "-"
			}
			fmt.Fprintf(out, "%-16s model=%s garmin=%s (%s) token=%s filter=%t last_sync=%s\n",
				p.Username, p.Model, garmin, p.Garmin.Domain, token, p.Garmin.Filter.Active(), last)
		}
		return nil
	},
}

var usersAddCmd = &cobra.Command{
	Use:   "add <user>",
	Short: "Add or update a profile",
	Long: `Add creates a profile, or updates the given fields of an existing one.
Fields not passed as flags keep their stored values.`,
	Args: cobra.ExactArgs(1),
	RunE: runUsersAdd,
}

var usersRemoveCmd = &cobra.Command{
	Use:   "remove <user>",
	Short: "Remove a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.DeleteProfile(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s.\n", args[0])
		return nil
	},
}

func init() {
	f := usersAddCmd.Flags()
	f.String("password", "", "Scale account password")
	f.String("model", "", "Scale model, e.g. "+store.DefaultModel)
	f.String("region", "", "Scale account region")
	f.String("garmin-email", "", "Garmin Connect email")
	f.String("garmin-password", "", "Garmin Connect password")
	f.String("domain", "", "Garmin domain, CN or COM")
	f.String("filter", "", "JSON file with the record filter")

	usersCmd.AddCommand(usersListCmd)
	usersCmd.AddCommand(usersAddCmd)
	usersCmd.AddCommand(usersRemoveCmd)
}

func runUsersAdd(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	p, err := a.store.GetProfile(ctx, args[0])
	switch {
	case errors.Is(err, store.ErrNotFound):
		p = &store.Profile{Username: args[0]}
	case err != nil:
		return err
	}

	flags := cmd.Flags()
	set := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	set("password", &p.Password)
	set("model", &p.Model)
	set("region", &p.Region)
	set("garmin-email", &p.Garmin.Email)
	set("garmin-password", &p.Garmin.Password)
	set("domain", &p.Garmin.Domain)

	if flags.Changed("filter") {
		path, _ := flags.GetString("filter")
		fc, err := readFilter(path)
		if err != nil {
			return err
		}
		p.Garmin.Filter = fc
	}

	if err := a.store.PutProfile(ctx, p); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s.\n", p.Username)
	return nil
}

func readFilter(path string) (*filter.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filter: %w", err)
	}
	var fc filter.Config
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse filter %s: %w", path, err)
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}
