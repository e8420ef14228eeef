package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var rateCmd = &cobra.Command{
	Use:   "rate",
	Short: "Inspect or adjust the learned rate limits",
	Long: `Inspect or adjust the adaptive rate controller shared by all instances.

Provider and model default to the configured provider and model.`,
	RunE: runRateShow,
}

var rateShowCmd = &cobra.Command{
	Use:   "show [provider] [model]",
	Short: "Show the learned limit, preset and 429 probability",
	Args:  cobra.MaximumNArgs(2),
	RunE:  runRateShow,
}

var rateRecord429Cmd = &cobra.Command{
	Use:   "record-429 [provider] [model]",
	Short: "Record a rate-limit error and reduce the limit",
	Args:  cobra.MaximumNArgs(2),
	RunE:  runRateRecord429,
}

var rateRecordSuccessCmd = &cobra.Command{
	Use:   "record-success [provider] [model]",
	Short: "Record a successful request and schedule recovery",
	Args:  cobra.MaximumNArgs(2),
	RunE:  runRateRecordSuccess,
}

var rateResetCmd = &cobra.Command{
	Use:   "reset [provider] [model]",
	Short: "Restore the preset limit and clear the error history",
	Args:  cobra.MaximumNArgs(2),
	RunE:  runRateReset,
}

var rateMultiplierCmd = &cobra.Command{
	Use:   "multiplier [value]",
	Short: "Show or set the global multiplier applied to every limit",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRateMultiplier,
}

var (
	rateJSON    bool
	rateDetails string
)

func init() {
	rootCmd.AddCommand(rateCmd)
	rateCmd.AddCommand(rateShowCmd)
	rateCmd.AddCommand(rateRecord429Cmd)
	rateCmd.AddCommand(rateRecordSuccessCmd)
	rateCmd.AddCommand(rateResetCmd)
	rateCmd.AddCommand(rateMultiplierCmd)

	rateShowCmd.Flags().BoolVar(&rateJSON, "json", false, "Output as JSON")
	rateRecord429Cmd.Flags().StringVar(&rateDetails, "details", "", "error details to store with the state")
}

// providerModel returns the provider and model named by args, falling back
// to the configured ones.
func providerModel(rt *runtime, args []string) (string, string) {
	provider, model := rt.cfg.Provider, rt.cfg.Model
	if len(args) > 0 {
		provider = args[0]
	}
	if len(args) > 1 {
		model = args[1]
	}
	return provider, model
}

type rateView struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	CurrentLimit     int     `json:"current_parallel_limit"`
	PresetLimit      int     `json:"preset_limit"`
	EffectiveLimit   int     `json:"effective_limit"`
	SchedulerLimit   int     `json:"scheduler_aware_limit"`
	Consecutive429s  int     `json:"consecutive_429_count"`
	Probability      float64 `json:"probability_429"`
	GlobalMultiplier float64 `json:"global_multiplier"`
	LastErrorDetails string  `json:"last_error_details,omitempty"`
}

func runRateShow(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	provider, model := providerModel(rt, args)
	rate := rt.hub.Rate()
	preset := rt.cfg.PresetLimit()

	view := rateView{
		Provider:         provider,
		Model:            model,
		EffectiveLimit:   rate.EffectiveLimit(provider, model, preset),
		SchedulerLimit:   rate.SchedulerAwareLimit(provider, model, preset),
		Probability:      rate.Analyze429Probability(provider, model),
		GlobalMultiplier: rate.GlobalMultiplier(),
	}
	if st, ok := rate.State(provider, model); ok {
		view.CurrentLimit = st.CurrentParallelLimit
		view.PresetLimit = st.PresetLimit
		view.Consecutive429s = st.Consecutive429Count
		view.LastErrorDetails = st.LastErrorDetails
	}

	out := cmd.OutOrStdout()
	if rateJSON {
		return writeJSON(cmd, view)
	}

	fmt.Fprintf(out, "%s/%s\n", view.Provider, view.Model)
	limit := fmt.Sprintf("%d/%d", view.CurrentLimit, view.PresetLimit)
	if view.CurrentLimit < view.PresetLimit {
		limit = warningStyle.Render(limit)
	}
	fmt.Fprintf(out, "  limit:            %s\n", limit)
	fmt.Fprintf(out, "  effective:        %d (multiplier %s)\n", view.EffectiveLimit, formatFloat(view.GlobalMultiplier))
	fmt.Fprintf(out, "  scheduler-aware:  %d\n", view.SchedulerLimit)
	fmt.Fprintf(out, "  consecutive 429s: %d\n", view.Consecutive429s)
	fmt.Fprintf(out, "  P(429):           %.2f\n", view.Probability)
	if view.LastErrorDetails != "" {
		fmt.Fprintf(out, "  last error:       %s\n", mutedStyle.Render(view.LastErrorDetails))
	}
	return nil
}

func runRateRecord429(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	provider, model := providerModel(rt, args)
	rate := rt.hub.Rate()
	// Make sure the state exists at the configured preset before reducing it.
	rate.EffectiveLimit(provider, model, rt.cfg.PresetLimit())
	rate.Record429(provider, model, rateDetails)

	st, _ := rate.State(provider, model)
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s limit now %d/%d after %d consecutive 429(s)\n",
		provider, model, st.CurrentParallelLimit, st.PresetLimit, st.Consecutive429Count)
	return nil
}

func runRateRecordSuccess(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	provider, model := providerModel(rt, args)
	rate := rt.hub.Rate()
	rate.EffectiveLimit(provider, model, rt.cfg.PresetLimit())
	rate.RecordSuccess(provider, model)

	st, _ := rate.State(provider, model)
	msg := fmt.Sprintf("%s/%s limit %d/%d", provider, model, st.CurrentParallelLimit, st.PresetLimit)
	if !st.RecoveryDue.IsZero() {
		msg += ", recovery due " + st.RecoveryDue.Format("15:04:05")
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}

func runRateReset(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	provider, model := providerModel(rt, args)
	rt.hub.Rate().Reset(provider, model)
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s reset\n", provider, model)
	return nil
}

func runRateMultiplier(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	rate := rt.hub.Rate()
	if len(args) == 1 {
		m, err := strconv.ParseFloat(args[0], 64)
		if err != nil || m <= 0 {
			return fmt.Errorf("invalid multiplier %q: must be a positive number", args[0])
		}
		rate.SetGlobalMultiplier(m)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "global multiplier: %s\n", formatFloat(rate.GlobalMultiplier()))
	return nil
}
