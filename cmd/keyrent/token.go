package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/coachpo/keyrent/internal/storage"
)

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the stored auth token",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <token>",
		Short: "Store the auth token used for realtime and API calls",
		Args:  cobra.ExactArgs(1),
		RunE: a.runE(func(cmd *cobra.Command, args []string) error {
			tokens, err := a.tokens(cmd.Context())
			if err != nil {
				return err
			}
			if err := tokens.Set(cmd.Context(), args[0]); err != nil {
				return err
			}
			if exp, ok := storage.Expiry(args[0]); ok {
				fmt.Fprintf(a.out, "token stored, expires %s\n", exp.UTC().Format(time.RFC3339))
				return nil
			}
			fmt.Fprintln(a.out, "token stored")
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show whether a usable token is stored",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			tokens, err := a.tokens(cmd.Context())
			if err != nil {
				return err
			}
			token, err := tokens.Token(cmd.Context())
			if err != nil {
				fmt.Fprintln(a.out, color.RedString("token unusable: %v", err))
				return err
			}
			if token == "" {
				fmt.Fprintln(a.out, color.YellowString("no token stored"))
				return nil
			}
			line := fmt.Sprintf("token %s", mask(token))
			if exp, ok := storage.Expiry(token); ok {
				line += fmt.Sprintf(", expires %s", exp.UTC().Format(time.RFC3339))
			}
			fmt.Fprintln(a.out, color.GreenString(line))
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove the stored token",
		Args:  cobra.NoArgs,
		RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
			tokens, err := a.tokens(cmd.Context())
			if err != nil {
				return err
			}
			if err := tokens.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "token cleared")
			return nil
		}),
	})
	return cmd
}

func mask(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "…" + token[len(token)-4:]
}
