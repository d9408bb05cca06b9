package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2/log"
	"github.com/spf13/cobra"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/bootstrap"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/jobqueue"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/tasks"
)

func newRepairCmd(setup SetupFunc) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "repair [user-uuid...]",
		Short: "Repair accounts against the mail server",
		Long:  "Repairs the given users, or up to --limit accounts that were never verified when no UUID is passed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, setup, func(ctx context.Context, c *bootstrap.Container) error {
				if len(args) > 0 {
					summary, err := c.Reconcile.RepairAccounts(ctx, args)
					if err != nil {
						return err
					}
					return printSummary(cmd.OutOrStdout(), summary)
				}
				summary, err := c.Reconcile.RepairUnverified(ctx, limit)
				if err != nil {
					return err
				}
				return printSummary(cmd.OutOrStdout(), summary)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", tasks.DefaultRepairBatchSize, "maximum number of unverified accounts to repair")
	return cmd
}

func newActivatePlansCmd(setup SetupFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "activate-plans <user-uuid>...",
		Short: "Re-apply the entitling plan of each user",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, setup, func(ctx context.Context, c *bootstrap.Container) error {
				tally, err := c.Reconcile.ActivatePlans(ctx, args)
				if err != nil {
					return err
				}
				return printTally(cmd.OutOrStdout(), tally)
			})
		},
	}
}

func newSyncIdentityCmd(setup SetupFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-identity <user-uuid>...",
		Short: "Push plan attributes to the identity provider",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, setup, func(ctx context.Context, c *bootstrap.Container) error {
				tally, err := c.Reconcile.SyncIdentity(ctx, args)
				if err != nil {
					return err
				}
				return printTally(cmd.OutOrStdout(), tally)
			})
		},
	}
}

func newPlanQuotaCmd(setup SetupFunc) *cobra.Command {
	var storageBytes int64

	cmd := &cobra.Command{
		Use:   "plan-quota <plan-id>",
		Short: "Apply a plan's mail storage to all of its subscribers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			planID, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || planID == 0 {
				return fmt.Errorf("invalid plan id %q", args[0])
			}
			return withContainer(cmd, setup, func(ctx context.Context, c *bootstrap.Container) error {
				if cmd.Flags().Changed("storage-bytes") {
					if storageBytes < 0 {
						return fmt.Errorf("--storage-bytes must not be negative")
					}
					plan, err := c.Repos.Plan.GetByID(uint(planID))
					if err != nil {
						return fmt.Errorf("plan %d: %w", planID, err)
					}
					plan.MailStorageBytes = storageBytes
					if err := c.Repos.Plan.Update(plan); err != nil {
						return err
					}
					log.Infof("[CLI] Plan %d storage set to %d bytes", plan.ID, storageBytes)
				}
				result, err := c.Queue.RunNow(ctx, jobqueue.JobTypeUpdatePlanQuota, jobqueue.PlanQuotaJobPayload{PlanID: uint(planID)}.ToMap())
				if err != nil {
					return err
				}
				return printJobResult(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().Int64Var(&storageBytes, "storage-bytes", 0, "set the plan's mail storage before applying it")
	return cmd
}
