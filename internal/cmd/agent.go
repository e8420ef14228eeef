package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a coordination agent until interrupted",
	Long: `Agent registers this process as an instance and keeps it alive:

- Heartbeats every heartbeat interval so peers count it in budget division
- Drives rate-limit recovery for every provider and model
- Sweeps expired leases and dead instances every cleanup interval
- Serves /metrics, /health, /status and /tasks/{id} over HTTP when
  metrics.enabled is set

The instance unregisters itself on SIGINT or SIGTERM.`,
	RunE: runAgent,
}

var (
	agentWorkdir string
)

func init() {
	agentCmd.Flags().StringVar(&agentWorkdir, "workdir", "", "working directory recorded in the registry (default is the current directory)")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	workdir := agentWorkdir
	if workdir == "" {
		if workdir, err = os.Getwd(); err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serveAgent(ctx, cmd, rt, workdir)
}

// serveAgent runs the hub, the registry watch and the metrics endpoint until
// ctx is done.
func serveAgent(ctx context.Context, cmd *cobra.Command, rt *runtime, workdir string) error {
	if err := rt.hub.Start(ctx, workdir); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	coord := rt.hub.Coordinator()
	fmt.Fprintf(cmd.OutOrStdout(), "Agent %s running (share %d of %d), coordination directory %s\n",
		coord.InstanceID(), coord.MyParallelLimit(), rt.cfg.TotalMaxLLM, rt.dir)

	var srv *http.Server
	if rt.cfg.Metrics.Enabled {
		srv = &http.Server{
			Addr:              rt.cfg.Metrics.Address,
			Handler:           newAgentRouter(rt),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.logger.Error("metrics server failed", "addr", srv.Addr, "error", err.Error())
			}
		}()
		rt.logger.Info("serving agent endpoints", "addr", srv.Addr)
	}

	// Log membership changes as peers come and go.
	go func() {
		last := -1
		err := coord.Watch(ctx, func() {
			alive, err := coord.AliveInstances()
			if err != nil {
				return
			}
			if len(alive) != last {
				last = len(alive)
				rt.logger.Info("instance membership changed",
					"alive", len(alive),
					"share", coord.MyParallelLimit(),
				)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Warn("registry watch stopped", "error", err.Error())
		}
	}()

	<-ctx.Done()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := rt.hub.Stop(); err != nil {
		return fmt.Errorf("failed to unregister: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Agent stopped.")
	return nil
}
