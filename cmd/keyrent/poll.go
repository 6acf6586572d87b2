package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coachpo/keyrent/internal/payment"
	"github.com/coachpo/keyrent/internal/poller"
)

func newPollCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "poll <method> <id>",
		Short: "Poll a provider resource until it reaches a final status",
		Long: `Poll the status of a charge, order, subscription or trade until the provider
reports a final status or the poll timeout elapses.

Methods: card (stripe), paypal, alipay, crypto.

Examples:
  keyrent poll crypto ch_123
  keyrent poll paypal 5O190127TN364715T`,
		Args: cobra.ExactArgs(2),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			method, err := payment.ParseMethod(args[0])
			if err != nil {
				return err
			}
			flow, err := a.paymentFlow(ctx)
			if err != nil {
				return err
			}
			prov, err := flow.Provider(method)
			if err != nil {
				return err
			}

			pr := newPrinter(a.out)
			session := a.statusPoller().Start(ctx, args[1], prov, pr.report, a.sessionOptions()...)
			select {
			case <-session.Done():
			case <-ctx.Done():
				session.Stop()
				return ctx.Err()
			}
			if status := session.LastStatus(); status != poller.StatusCompleted {
				return fmt.Errorf("%s %s ended with status %q", method, args[1], status)
			}
			return nil
		}),
	}
}
