package main

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/coachpo/keyrent/internal/realtime"
)

var defaultWatchTypes = []string{"payment_update", "rental_update", "key_status", "notification"}

func newWatchCmd(a *app) *cobra.Command {
	var request string

	cmd := &cobra.Command{
		Use:   "watch [event types...]",
		Short: "Print realtime events as they arrive",
		Long: `Connect to the realtime endpoint and print every event of the given types
until interrupted. Without arguments a default set of rental and payment
event types is watched.

Examples:
  keyrent watch
  keyrent watch payment_update --request dashboard_data`,
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			types := args
			if len(types) == 0 {
				types = defaultWatchTypes
			}
			return a.watch(cmd.Context(), types, request, newPrinter(a.out))
		}),
	}
	cmd.Flags().StringVar(&request, "request", "", "resource kind to request once connected")
	return cmd
}

// watch mounts a binding for types and blocks until ctx ends. The binding is
// unmounted on every return path, including a failed initial connect.
func (a *app) watch(ctx context.Context, types []string, request string, pr *printer) error {
	tokens, err := a.tokens(ctx)
	if err != nil {
		return err
	}
	client := a.realtimeClient()
	unsubscribe := client.OnStateChange(pr.connection)
	defer unsubscribe()

	binding := realtime.NewBinding(client, tokens)
	defer binding.Unmount()
	if err := binding.Mount(ctx, types, pr.event); err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	if request != "" && !binding.RequestData(request, nil) {
		a.logger.Printf("request %s not sent: realtime link is down", request)
	}
	<-ctx.Done()
	return nil
}

func newRequestCmd(a *app) *cobra.Command {
	var params string

	cmd := &cobra.Command{
		Use:   "request <kind>",
		Short: "Ask the backend for data over the realtime link and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			var decoded any
			if strings.TrimSpace(params) != "" {
				if err := json.Unmarshal([]byte(params), &decoded); err != nil {
					return fmt.Errorf("invalid --params: %w", err)
				}
			}
			ctx := cmd.Context()
			tokens, err := a.tokens(ctx)
			if err != nil {
				return err
			}
			token, err := tokens.Token(ctx)
			if err != nil {
				return err
			}
			client := a.realtimeClient()
			if err := client.Connect(ctx, token); err != nil {
				return err
			}
			reply, err := client.AskForData(ctx, args[0], decoded)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, string(reply))
			return err
		}),
	}
	cmd.Flags().StringVar(&params, "params", "", "JSON parameters for the request")
	return cmd
}
