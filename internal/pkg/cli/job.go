package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/bootstrap"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/jobqueue"
)

func newJobCmd(setup SetupFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Run and inspect background jobs",
	}
	cmd.AddCommand(newJobRunCmd(setup))
	cmd.AddCommand(newJobGetCmd(setup))
	cmd.AddCommand(newJobStatsCmd(setup))
	return cmd
}

func newJobRunCmd(setup SetupFunc) *cobra.Command {
	var payloadJSON string

	cmd := &cobra.Command{
		Use:   "run <job-type>",
		Short: "Run a job inline with the queue's retry policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]interface{}{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}
			return withContainer(cmd, setup, func(ctx context.Context, c *bootstrap.Container) error {
				result, err := c.Queue.RunNow(ctx, jobqueue.JobType(args[0]), payload)
				if err != nil {
					return err
				}
				return printJobResult(cmd.OutOrStdout(), result)
			})
		},
	}
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "job payload as a JSON object")
	return cmd
}

func newJobGetCmd(setup SetupFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print a queued or finished job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, setup, func(ctx context.Context, c *bootstrap.Container) error {
				job, err := c.Queue.GetJob(ctx, args[0])
				if err != nil {
					return fmt.Errorf("job %s: %w", args[0], err)
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func newJobStatsCmd(setup SetupFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print queue counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, setup, func(ctx context.Context, c *bootstrap.Container) error {
				stats, err := c.Queue.GetJobStats(ctx)
				if err != nil {
					return err
				}
				queued, err := c.Queue.GetQueueSize(ctx)
				if err != nil {
					return err
				}
				delayed, err := c.Queue.GetDelayedSize(ctx)
				if err != nil {
					return err
				}
				if jsonFlag {
					return printJSON(cmd.OutOrStdout(), map[string]any{"stats": stats, "queued": queued, "delayed": delayed})
				}
				keys := make([]string, 0, len(stats))
				for status := range stats {
					keys = append(keys, string(status))
				}
				sort.Strings(keys)
				w := cmd.OutOrStdout()
				for _, k := range keys {
					fmt.Fprintf(w, "%s=%d\n", k, stats[jobqueue.JobStatus(k)])
				}
				fmt.Fprintf(w, "queued=%d delayed=%d\n", queued, delayed)
				return nil
			})
		},
	}
}

func printJobResult(w io.Writer, result jobqueue.Result) error {
	if jsonFlag {
		return printJSON(w, result)
	}
	line := string(result.Status)
	if result.Reason != "" {
		line += ": " + result.Reason
	}
	fmt.Fprintln(w, line)

	keys := make([]string, 0, len(result.Data))
	for k := range result.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s=%v\n", k, result.Data[k])
	}
	if !result.OK() && !result.IsSkipped() {
		return fmt.Errorf("job failed: %s", result.Reason)
	}
	return nil
}
