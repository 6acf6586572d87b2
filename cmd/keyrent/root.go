package main

import (
	"github.com/spf13/cobra"

	"github.com/coachpo/keyrent/internal/config"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "keyrent",
		Short: "Realtime rental and payment client",
		Long: `keyrent keeps a realtime connection to the rental backend and follows
payments until the provider reports a final status.

Commands:
  keyrent watch [types...]          Print realtime events
  keyrent request <kind>            Ask the backend for data over the realtime link
  keyrent poll <method> <id>        Poll a payment until it settles
  keyrent pay <method> ...          Create and follow a payment for a rental
  keyrent resume <rentalID>         Resume a payment after a provider redirect
  keyrent serve                     Run the status API while watching events
  keyrent token set|show|clear      Manage the stored auth token
  keyrent migrate up|down           Manage the storage schema`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", config.DefaultPath, "path to application configuration file")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newWatchCmd(a),
		newRequestCmd(a),
		newPollCmd(a),
		newPayCmd(a),
		newResumeCmd(a),
		newServeCmd(a),
		newTokenCmd(a),
		newMigrateCmd(a),
	)
	return root
}

// runE releases the app's resources once fn returns.
func (a *app) runE(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			if cerr := a.close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		return fn(cmd, args)
	}
}
