// Package cli implements mailctl, the operator command line for account
// repair, plan activation and one-off jobs.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/bootstrap"
	"github.com/ManuelReschke/MailAccounts/internal/pkg/reconcile"
)

var (
	// version is set via ldflags at build time.
	version = "dev"

	// jsonFlag enables JSON output for all commands.
	jsonFlag bool
)

// SetupFunc opens the connections and wires the services for one command.
type SetupFunc func(ctx context.Context) (*bootstrap.Container, error)

func NewRootCmd(setup SetupFunc) *cobra.Command {
	root := &cobra.Command{
		Use:           "mailctl",
		Short:         "Operate mail accounts",
		Long:          "Repairs mail accounts, re-applies plans and runs background jobs inline.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(fmt.Sprintf("mailctl %s\n", version))
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")

	root.AddCommand(newRepairCmd(setup))
	root.AddCommand(newActivatePlansCmd(setup))
	root.AddCommand(newSyncIdentityCmd(setup))
	root.AddCommand(newPlanQuotaCmd(setup))
	root.AddCommand(newAccountCmd(setup))
	root.AddCommand(newSigningKeyCmd(setup))
	root.AddCommand(newJobCmd(setup))
	root.AddCommand(newStatsCmd(setup))
	return root
}

func Execute() {
	if err := NewRootCmd(bootstrap.Setup).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// withContainer runs fn against a freshly wired container and closes it.
func withContainer(cmd *cobra.Command, setup SetupFunc, fn func(ctx context.Context, c *bootstrap.Container) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := setup(ctx)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	defer c.Close()
	return fn(ctx, c)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResults(w io.Writer, results []reconcile.AccountResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tNAME\tACTION\tREASON")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.UserUUID, r.Name, r.Action, r.Reason)
	}
	tw.Flush()
}

func printSummary(w io.Writer, s *reconcile.Summary) error {
	if jsonFlag {
		return printJSON(w, s)
	}
	printResults(w, s.Results)
	fmt.Fprintf(w, "\ncreated=%d healed=%d unchanged=%d skipped=%d errored=%d\n",
		s.Created, s.Healed, s.Unchanged, s.Skipped, s.Errored)
	return nil
}

func printTally(w io.Writer, t *reconcile.Tally) error {
	if jsonFlag {
		return printJSON(w, t)
	}
	printResults(w, t.Results)
	fmt.Fprintf(w, "\nupdated=%d skipped=%d errored=%d\n", t.Updated, t.Skipped, t.Errored)
	return nil
}
