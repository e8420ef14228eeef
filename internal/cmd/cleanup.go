package cmd

import (
	"fmt"

	"github.com/Iron-Ham/picoord/internal/coordination"
	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune dead instances and their stale lease tables",
	Long: `Cleanup reconciles the coordination directory:

- Instances whose heartbeat is older than the heartbeat timeout are removed
  from the registry
- Lease tables of removed instances are deleted, returning their capacity
- Empty work queues of removed instances are deleted; queues still holding
  work are kept so that live instances can steal it

Use --dry-run to list dead instances without changing anything.`,
	RunE: runCleanup,
}

var (
	cleanupDryRun bool
	cleanupJSON   bool
)

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be cleaned up without making changes")
	cleanupCmd.Flags().BoolVar(&cleanupJSON, "json", false, "Output the result as JSON")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()

	if cleanupDryRun {
		dead, err := rt.hub.Coordinator().DeadInstances()
		if err != nil {
			return fmt.Errorf("failed to read instance registry: %w", err)
		}
		if len(dead) == 0 {
			fmt.Fprintln(out, "No dead instances.")
			return nil
		}
		fmt.Fprintf(out, "Would prune %d dead instance(s):\n", len(dead))
		for _, rec := range dead {
			fmt.Fprintf(out, "  %s (pid %d on %s, last heartbeat %s)\n",
				rec.InstanceID, rec.PID, rec.Hostname, rec.LastHeartbeatAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	}

	res, err := rt.hub.Sweep()
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	if cleanupJSON {
		return writeJSON(cmd, res)
	}
	printSweep(cmd, res)
	return nil
}

func printSweep(cmd *cobra.Command, res coordination.SweepResult) {
	out := cmd.OutOrStdout()
	if len(res.PrunedInstances) == 0 && res.ExpiredLeases == 0 {
		fmt.Fprintln(out, "Nothing to clean up.")
		return
	}
	for _, id := range res.PrunedInstances {
		fmt.Fprintf(out, "%s pruned dead instance %s\n", okStyle.Render("✓"), id)
	}
	fmt.Fprintf(out, "Removed %d lease table(s) and %d empty queue(s); reclaimed %d expired lease(s).\n",
		res.RemovedLeaseFiles, res.RemovedQueues, res.ExpiredLeases)
}
