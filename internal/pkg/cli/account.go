package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/bootstrap"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/mailclient"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/security"
)

// appPasswordLabel names the app password created with an account.
const appPasswordLabel = "mail"

func newAccountCmd(setup SetupFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage a single mail account",
	}
	cmd.AddCommand(newAccountProvisionCmd(setup))
	cmd.AddCommand(newAccountQuotaCmd(setup))
	cmd.AddCommand(newAccountDeleteCmd(setup))
	return cmd
}

func newAccountProvisionCmd(setup SetupFunc) *cobra.Command {
	var passwordStdin bool

	cmd := &cobra.Command{
		Use:   "provision <user-uuid>",
		Short: "Create or heal the user's mail principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := ""
			if passwordStdin {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read app password: %w", err)
				}
				password := strings.TrimRight(line, "\r\n")
				if len(password) < 12 {
					return fmt.Errorf("app password must have at least 12 characters")
				}
				hash, err := security.HashAppPassword(password)
				if err != nil {
					return err
				}
				secret = mailclient.AppPasswordSecret(appPasswordLabel, hash)
			}

			return withContainer(cmd, setup, func(ctx context.Context, c *bootstrap.Container) error {
				outcome, err := c.Accounts.ProvisionMailAccount(ctx, args[0], secret)
				if err != nil {
					return err
				}
				if jsonFlag {
					return printJSON(cmd.OutOrStdout(), outcome)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "state=%s principal=%d created=%t healed=%t\n",
					outcome.State, outcome.PrincipalID, outcome.Created, outcome.Healed)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&passwordStdin, "app-password-stdin", false, "read an app password from stdin")
	return cmd
}

func newAccountQuotaCmd(setup SetupFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "quota <user-uuid>",
		Short: "Apply the user's plan storage to the mail principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, setup, func(ctx context.Context, c *bootstrap.Container) error {
				quota, err := c.Accounts.ApplyQuota(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonFlag {
					return printJSON(cmd.OutOrStdout(), map[string]any{"user_uuid": args[0], "quota": quota})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "quota=%d\n", quota)
				return nil
			})
		},
	}
}

func newAccountDeleteCmd(setup SetupFunc) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <user-uuid>",
		Short: "Delete the mail principal and the local user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete %s without --yes", args[0])
			}
			return withContainer(cmd, setup, func(ctx context.Context, c *bootstrap.Container) error {
				if err := c.Accounts.DeleteAccount(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the deletion")
	return cmd
}

func newSigningKeyCmd(setup SetupFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "recreate-signing-key <domain>",
		Short: "Replace the DKIM signing keys of a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, setup, func(ctx context.Context, c *bootstrap.Container) error {
				removed, err := c.Accounts.Machine().RecreateSigningKey(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d old keys removed\n", args[0], removed)
				return nil
			})
		},
	}
}
