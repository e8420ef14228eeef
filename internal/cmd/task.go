package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/Iron-Ham/picoord/internal/ownership"
	"github.com/gobwas/glob"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Check or change task ownership",
	Long: `Task ownership gives one instance exclusive rights to a logical task.

An owner whose process no longer runs on this host is reclaimable: a normal
claim takes the task over. force-claim skips the check entirely and is
logged as an operator override.`,
}

var taskCheckCmd = &cobra.Command{
	Use:   "check <task-id>",
	Short: "Show who owns a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCheck,
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim <task-id>",
	Short: "Claim a task that is unowned or held by a dead owner",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskClaim,
}

var taskForceClaimCmd = &cobra.Command{
	Use:   "force-claim <task-id>",
	Short: "Take a task regardless of its current owner",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskForceClaim,
}

var taskReleaseCmd = &cobra.Command{
	Use:   "release <task-id>",
	Short: "Release a task owned by this instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRelease,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ownership records",
	Long: `List every ownership record with its status as seen from this host.

--match filters task ids with a glob pattern where '/' separates segments:
  picoord task list --match 'feature/*'
  picoord task list --match '**/login'`,
	Args: cobra.NoArgs,
	RunE: runTaskList,
}

var (
	taskJSON  bool
	taskMatch string
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskCheckCmd)
	taskCmd.AddCommand(taskClaimCmd)
	taskCmd.AddCommand(taskForceClaimCmd)
	taskCmd.AddCommand(taskReleaseCmd)
	taskCmd.AddCommand(taskListCmd)

	taskCmd.PersistentFlags().BoolVar(&taskJSON, "json", false, "Output as JSON")
	taskListCmd.Flags().StringVar(&taskMatch, "match", "", "glob pattern for task ids")
}

func runTaskCheck(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	st, err := rt.hub.Ownership().Check(args[0])
	if err != nil {
		return err
	}
	if taskJSON {
		return writeJSON(cmd, st)
	}
	fmt.Fprintln(cmd.OutOrStdout(), describeStatus(st))
	return nil
}

func runTaskClaim(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	rec, err := rt.hub.Ownership().Claim(args[0])
	if err != nil {
		return err
	}
	if taskJSON {
		return writeJSON(cmd, rec)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s claimed %s as %s\n", okStyle.Render("✓"), rec.TaskID, rec.OwnerInstanceID)
	return nil
}

func runTaskForceClaim(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	rec, err := rt.hub.Ownership().ForceClaim(args[0])
	if err != nil {
		return err
	}
	if taskJSON {
		return writeJSON(cmd, rec)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s force-claimed %s as %s\n", warningStyle.Render("!"), rec.TaskID, rec.OwnerInstanceID)
	return nil
}

func runTaskRelease(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.hub.Ownership().Release(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	var matcher glob.Glob
	if taskMatch != "" {
		g, err := glob.Compile(taskMatch, '/')
		if err != nil {
			return fmt.Errorf("invalid --match pattern %q: %w", taskMatch, err)
		}
		matcher = g
	}

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	reg := rt.hub.Ownership()
	records, err := reg.List()
	if err != nil {
		return err
	}

	statuses := make([]ownership.Status, 0, len(records))
	for _, rec := range records {
		if matcher != nil && !matcher.Match(rec.TaskID) {
			continue
		}
		statuses = append(statuses, reg.StatusOf(rec))
	}

	if taskJSON {
		return writeJSON(cmd, statuses)
	}
	out := cmd.OutOrStdout()
	if len(statuses) == 0 {
		fmt.Fprintln(out, "No owned tasks.")
		return nil
	}
	rows := [][]string{{"TASK", "OWNER", "PID", "HOST", "STATE"}}
	for _, st := range statuses {
		rows = append(rows, []string{
			st.TaskID,
			st.OwnerInstanceID,
			fmt.Sprint(st.OwnerPID),
			st.Hostname,
			stateLabel(st),
		})
	}
	fmt.Fprintln(out, renderTable(rows))
	return nil
}

// stateLabel summarizes a status from this instance's point of view.
func stateLabel(st ownership.Status) string {
	switch {
	case st.Reclaimable:
		return warningStyle.Render("reclaimable")
	case st.Owned:
		return okStyle.Render("mine")
	default:
		return mutedStyle.Render("held")
	}
}

func describeStatus(st ownership.Status) string {
	switch {
	case st.OwnerInstanceID == "":
		return fmt.Sprintf("%s is unowned", st.TaskID)
	case st.Reclaimable:
		return fmt.Sprintf("%s is owned by %s (pid %d on %s), which is no longer running; it can be claimed",
			st.TaskID, st.OwnerInstanceID, st.OwnerPID, st.Hostname)
	case st.Owned:
		return fmt.Sprintf("%s is owned by this instance", st.TaskID)
	default:
		return fmt.Sprintf("%s is owned by %s (pid %d on %s)", st.TaskID, st.OwnerInstanceID, st.OwnerPID, st.Hostname)
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
