package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/coachpo/keyrent/internal/payment"
	"github.com/coachpo/keyrent/internal/rental"
)

type payOptions struct {
	rentalID  string
	keyID     string
	days      int
	amount    string
	currency  string
	returnURL string
	cancelURL string
}

func newPayCmd(a *app) *cobra.Command {
	var opts payOptions

	cmd := &cobra.Command{
		Use:   "pay <method>",
		Short: "Create a payment for a rental and follow it to a final status",
		Long: `Walk the rental checkout for --rental, create a payment with the chosen
method and follow it until the provider settles it. Redirect methods
(paypal, alipay) print the approval URL and keep a snapshot so the payment
can be picked up again with "keyrent resume".

Examples:
  keyrent pay crypto --rental r-42 --key k-7 --amount 19.90 --currency EUR
  keyrent pay paypal --rental r-42 --key k-7 --days 3 --amount 29.70 --currency USD`,
		Args: cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			method, err := payment.ParseMethod(args[0])
			if err != nil {
				return err
			}
			return a.pay(cmd.Context(), method, opts, newPrinter(a.out))
		}),
	}
	cmd.Flags().StringVar(&opts.rentalID, "rental", "", "rental id (required)")
	cmd.Flags().StringVar(&opts.keyID, "key", "", "key being rented (required)")
	cmd.Flags().IntVar(&opts.days, "days", 1, "rental duration in days")
	cmd.Flags().StringVar(&opts.amount, "amount", "", "amount to charge, e.g. 19.90 (required)")
	cmd.Flags().StringVar(&opts.currency, "currency", "EUR", "ISO 4217 currency code")
	cmd.Flags().StringVar(&opts.returnURL, "return-url", "", "where the provider sends the buyer after approval")
	cmd.Flags().StringVar(&opts.cancelURL, "cancel-url", "", "where the provider sends the buyer on cancel")
	_ = cmd.MarkFlagRequired("rental")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func (a *app) pay(ctx context.Context, method payment.Method, opts payOptions, pr *printer) error {
	amount, err := payment.NewAmount(opts.amount, opts.currency)
	if err != nil {
		return err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	wizard := rental.NewWizard(opts.rentalID, store)
	wizard.SelectKey(opts.keyID)
	if err := wizard.Next(); err != nil {
		return err
	}
	wizard.SetTerms(opts.days, amount)
	if err := wizard.Next(); err != nil {
		return err
	}
	if err := wizard.Next(); err != nil {
		return err
	}
	wizard.ChooseMethod(method)

	flow, err := a.paymentFlow(ctx)
	if err != nil {
		return err
	}
	order := wizard.Order().Order()
	order.ReturnURL = strings.TrimSpace(opts.returnURL)
	order.CancelURL = strings.TrimSpace(opts.cancelURL)

	charge, err := flow.Start(ctx, method, order, tracker(ctx, wizard, pr))
	if err != nil {
		return err
	}
	if charge.ApprovalURL != "" {
		pr.line("approve the payment at %s", color.New(color.Underline).Sprint(charge.ApprovalURL))
	}
	return a.settle(ctx, wizard, flow, pr)
}

func tracker(ctx context.Context, wizard *rental.Wizard, pr *printer) func(payment.Update) {
	return func(u payment.Update) {
		wizard.Track(ctx, u)
		pr.update(u)
	}
}

// settle waits for flow to finish and moves the wizard to confirmation on success.
func (a *app) settle(ctx context.Context, wizard *rental.Wizard, flow *payment.Flow, pr *printer) error {
	if err := flow.Wait(ctx); err != nil {
		flow.Stop()
		if wizard.Order().Method.RequiresRedirect() {
			pr.line("payment still in flight; continue with: keyrent resume %s", wizard.Order().RentalID)
		}
		return err
	}
	step := flow.Step()
	if step != payment.StepCompleted {
		return fmt.Errorf("payment %s: %s", step, step.Message())
	}
	if wizard.Step() == rental.StepPaymentMethod {
		if err := wizard.Next(); err != nil {
			return err
		}
	}
	order := wizard.Order()
	pr.line("%s rental %s confirmed: key %s for %d days, %s",
		color.GreenString("✓"), order.RentalID, order.KeyID, order.DurationDays, order.Amount)
	return nil
}

func newResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <rentalID>",
		Short: "Resume a redirect payment from its saved snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			wizard, err := rental.Resume(ctx, store, args[0])
			if err != nil {
				return fmt.Errorf("resume %s: %w", args[0], err)
			}
			order := wizard.Order()
			if order.ChargeID == "" {
				return fmt.Errorf("resume %s: snapshot has no payment to follow", args[0])
			}
			flow, err := a.paymentFlow(ctx)
			if err != nil {
				return err
			}
			pr := newPrinter(a.out)
			pr.line("resuming %s payment %s at step %s", order.Method, order.ChargeID, wizard.Step())
			if err := flow.Resume(ctx, order.Method, order.ChargeID, order.PaymentStep, tracker(ctx, wizard, pr)); err != nil {
				return err
			}
			return a.settle(ctx, wizard, flow, pr)
		}),
	}
}
