package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/bootstrap"
)

func newStatsCmd(setup SetupFunc) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print user, account and billing counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, setup, func(ctx context.Context, c *bootstrap.Container) error {
				get := c.Stats.Get
				if refresh {
					get = c.Stats.Refresh
				}
				snap, err := get(ctx)
				if err != nil {
					return err
				}
				if jsonFlag {
					return printJSON(cmd.OutOrStdout(), snap)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "users\t%d\n", snap.Users)
				fmt.Fprintf(tw, "mail accounts\t%d\n", snap.MailAccounts)
				fmt.Fprintf(tw, "verified accounts\t%d\n", snap.VerifiedAccounts)
				fmt.Fprintf(tw, "entitling subscriptions\t%d\n", snap.EntitlingSubscriptions)
				fmt.Fprintf(tw, "pending webhooks\t%d\n", snap.PendingWebhooks)
				fmt.Fprintf(tw, "failed webhooks\t%d\n", snap.FailedWebhooks)
				fmt.Fprintf(tw, "generated at\t%s\n", snap.GeneratedAt.Format("2006-01-02 15:04:05"))
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "recount instead of using the cached counts")
	return cmd
}
