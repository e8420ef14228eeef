package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and feed the per-instance work queues",
	Long: `Every instance keeps its pending work in its own queue document. Work
queued by an instance that dies is taken over by an idle live instance.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list [owner]",
	Short: "List queued items, for one owner or all of them",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runQueueList,
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue <task-id>",
	Short: "Append an item to a queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueEnqueue,
}

var queueStealCmd = &cobra.Command{
	Use:   "steal",
	Short: "Move the oldest item of a dead instance into this instance's queue",
	Args:  cobra.NoArgs,
	RunE:  runQueueSteal,
}

var (
	queueJSON    bool
	queueOwner   string
	queuePayload string
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueEnqueueCmd)
	queueCmd.AddCommand(queueStealCmd)

	queueCmd.PersistentFlags().BoolVar(&queueJSON, "json", false, "Output as JSON")
	queueEnqueueCmd.Flags().StringVar(&queueOwner, "owner", "", "instance whose queue receives the item (default is this instance)")
	queueEnqueueCmd.Flags().StringVar(&queuePayload, "payload", "", "JSON payload stored with the item")
}

func runQueueList(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	queues := rt.hub.Coordinator().Queues()
	owners := args
	if len(owners) == 0 {
		if owners, err = queues.Owners(); err != nil {
			return err
		}
	}

	type ownerQueue struct {
		Owner string `json:"owner"`
		Items any    `json:"items"`
	}
	var all []ownerQueue
	rows := [][]string{{"OWNER", "TASK", "ITEM", "ENQUEUED", "ATTEMPTS", "STOLEN FROM"}}
	for _, owner := range owners {
		items, err := queues.Items(owner)
		if err != nil {
			return err
		}
		all = append(all, ownerQueue{Owner: owner, Items: items})
		for _, it := range items {
			rows = append(rows, []string{
				owner,
				it.TaskID,
				it.ID,
				it.EnqueuedAt.Format("2006-01-02 15:04:05"),
				strconv.Itoa(it.Attempts),
				it.StolenFrom,
			})
		}
	}

	if queueJSON {
		return writeJSON(cmd, all)
	}
	if len(rows) == 1 {
		fmt.Fprintln(cmd.OutOrStdout(), "No queued items.")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderTable(rows))
	return nil
}

func runQueueEnqueue(cmd *cobra.Command, args []string) error {
	var payload json.RawMessage
	if queuePayload != "" {
		if !json.Valid([]byte(queuePayload)) {
			return fmt.Errorf("--payload is not valid JSON")
		}
		payload = json.RawMessage(queuePayload)
	}

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	coord := rt.hub.Coordinator()
	owner := queueOwner
	if owner == "" {
		owner = coord.InstanceID()
	}
	item, err := coord.Queues().Enqueue(owner, args[0], payload)
	if err != nil {
		return err
	}
	if queueJSON {
		return writeJSON(cmd, item)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "queued %s for %s (item %s)\n", item.TaskID, owner, item.ID)
	return nil
}

func runQueueSteal(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	item, ok, err := rt.hub.Coordinator().SafeStealWork()
	if err != nil {
		return err
	}
	if queueJSON {
		return writeJSON(cmd, item)
	}
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to steal.")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stole %s from %s\n", item.TaskID, item.StolenFrom)
	return nil
}
