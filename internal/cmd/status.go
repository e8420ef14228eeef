package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/picoord/internal/adaptive"
	"github.com/Iron-Ham/picoord/internal/coordination"
	"github.com/Iron-Ham/picoord/internal/lease"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show instances, lease usage and learned rate limits",
	Long: `Display the state of the coordination directory:

- Registered instances, their liveness and budget share
- Capacity reserved in every instance's lease table
- The learned parallel limit of every provider and model`,
	RunE: runStatus,
}

var (
	statusJSON bool // Output as JSON
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output status as JSON")
	rootCmd.AddCommand(statusCmd)
}

// statusReport is the JSON form of the status command.
type statusReport struct {
	Dir              string                   `json:"dir"`
	Tier             string                   `json:"tier"`
	TotalBudget      int                      `json:"total_budget"`
	Limits           lease.Limits             `json:"limits"`
	GlobalMultiplier float64                  `json:"global_multiplier"`
	Instances        []instanceStatus         `json:"instances"`
	Leases           []coordination.PoolUsage `json:"leases"`
	Rates            []rateStatus             `json:"rates"`
}

type instanceStatus struct {
	coordination.InstanceRecord
	Alive bool `json:"alive"`
	Share int  `json:"share"`
}

type rateStatus struct {
	adaptive.State
	Probability float64 `json:"probability_429"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := buildStatus(rt)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		return writeJSON(cmd, report)
	}
	printStatus(out, report, time.Now(), rt.cfg.HeartbeatTimeout())
	return nil
}

func buildStatus(rt *runtime) (*statusReport, error) {
	coord := rt.hub.Coordinator()
	records, err := coord.Instances()
	if err != nil {
		return nil, fmt.Errorf("failed to read instance registry: %w", err)
	}
	alive, err := coord.AliveInstances()
	if err != nil {
		return nil, fmt.Errorf("failed to read instance registry: %w", err)
	}
	aliveSet := make(map[string]bool, len(alive))
	for _, rec := range alive {
		aliveSet[rec.InstanceID] = true
	}
	shares := coordination.DivideBudget(alive, rt.cfg.TotalMaxLLM, rt.cfg.Coordination.WeightByWorkload)

	limits := rt.hub.Pool().Limits()
	tables, err := coordination.LeaseTables(rt.dir, limits)
	if err != nil {
		return nil, err
	}

	report := &statusReport{
		Dir:              rt.dir,
		Tier:             rt.cfg.Tier().Name,
		TotalBudget:      rt.cfg.TotalMaxLLM,
		Limits:           limits,
		GlobalMultiplier: rt.hub.Rate().GlobalMultiplier(),
		Instances:        make([]instanceStatus, 0, len(records)),
		Leases:           tables,
	}
	for _, rec := range records {
		report.Instances = append(report.Instances, instanceStatus{
			InstanceRecord: rec,
			Alive:          aliveSet[rec.InstanceID],
			Share:          shares[rec.InstanceID],
		})
	}
	for _, st := range rt.hub.Rate().Snapshot() {
		report.Rates = append(report.Rates, rateStatus{
			State:       st,
			Probability: rt.hub.Rate().Analyze429Probability(st.Provider, st.Model),
		})
	}
	return report, nil
}

func printStatus(w io.Writer, r *statusReport, now time.Time, timeout time.Duration) {
	fmt.Fprintln(w, titleStyle.Render("picoord status"))
	fmt.Fprintf(w, "Directory: %s\n", r.Dir)
	fmt.Fprintf(w, "Tier: %s (max %d requests, %d llm)  Budget: %d  Multiplier: %s\n\n",
		r.Tier, r.Limits.MaxRequests, r.Limits.MaxLLM, r.TotalBudget, formatFloat(r.GlobalMultiplier))

	fmt.Fprintln(w, titleStyle.Render("Instances"))
	if len(r.Instances) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("  (none registered)"))
	} else {
		rows := [][]string{{"ID", "PID", "HOST", "HEARTBEAT", "PENDING", "SHARE", "STATE"}}
		for _, in := range r.Instances {
			state := okStyle.Render("alive")
			if !in.Alive {
				state = errorStyle.Render("dead")
			}
			rows = append(rows, []string{
				in.InstanceID,
				strconv.Itoa(in.PID),
				in.Hostname,
				formatAge(now.Sub(in.LastHeartbeatAt)),
				strconv.Itoa(in.PendingTaskCount),
				strconv.Itoa(in.Share),
				state,
			})
		}
		fmt.Fprintln(w, indent(renderTable(rows)))
		fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("  heartbeat timeout %s", timeout)))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, titleStyle.Render("Leases"))
	if len(r.Leases) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("  (no lease tables)"))
	} else {
		rows := [][]string{{"TABLE", "REQUESTS", "LLM", "ACTIVE"}}
		for _, t := range r.Leases {
			rows = append(rows, []string{
				t.Table,
				fmt.Sprintf("%d/%d", t.Usage.Requests, r.Limits.MaxRequests),
				fmt.Sprintf("%d/%d", t.Usage.LLM, r.Limits.MaxLLM),
				strconv.Itoa(t.Active),
			})
		}
		fmt.Fprintln(w, indent(renderTable(rows)))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, titleStyle.Render("Rate limits"))
	if len(r.Rates) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("  (no rate-limit history)"))
		return
	}
	rows := [][]string{{"PROVIDER", "MODEL", "LIMIT", "429s", "P(429)", "RECOVERY"}}
	for _, rs := range r.Rates {
		limit := fmt.Sprintf("%d/%d", rs.CurrentParallelLimit, rs.PresetLimit)
		if rs.Throttled() {
			limit = warningStyle.Render(limit)
		}
		recovery := "-"
		if !rs.RecoveryDue.IsZero() {
			recovery = "in " + formatAge(rs.RecoveryDue.Sub(now))
		}
		rows = append(rows, []string{
			rs.Provider,
			rs.Model,
			limit,
			strconv.Itoa(len(rs.ErrorTimestamps)),
			fmt.Sprintf("%.2f", rs.Probability),
			recovery,
		})
	}
	fmt.Fprintln(w, indent(renderTable(rows)))
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}

// formatAge renders a duration rounded to seconds, e.g. "12s" or "3m4s".
func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
