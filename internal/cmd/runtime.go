package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/Iron-Ham/picoord/internal/adaptive"
	"github.com/Iron-Ham/picoord/internal/capacity"
	"github.com/Iron-Ham/picoord/internal/config"
	"github.com/Iron-Ham/picoord/internal/coordination"
	"github.com/Iron-Ham/picoord/internal/lease"
	"github.com/Iron-Ham/picoord/internal/logging"
	"github.com/Iron-Ham/picoord/internal/metrics"
	"github.com/google/uuid"
)

// runtime is the set of components one command invocation works with.
type runtime struct {
	cfg       *config.Config
	dir       string
	sessionID string
	logger    *logging.Logger
	metrics   *metrics.Metrics
	hub       *coordination.Hub
}

// newRuntime loads the configuration and wires a Hub for this process.
func newRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	return runtimeFor(cfg, cwd)
}

// runtimeFor wires a Hub for cfg, resolving a relative coordination
// directory against cwd.
func runtimeFor(cfg *config.Config, cwd string) (*runtime, error) {
	dir := cfg.ResolveDir(cwd)

	logger, err := newLogger(cfg, dir)
	if err != nil {
		return nil, err
	}

	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = newSessionID()
	}
	logger = logger.WithSession(sessionID)

	m := metrics.New()
	hub, err := coordination.NewHub(hubConfig(cfg, dir, sessionID, logger, m))
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("failed to set up coordination: %w", err)
	}

	return &runtime{
		cfg:       cfg,
		dir:       dir,
		sessionID: sessionID,
		logger:    logger,
		metrics:   m,
		hub:       hub,
	}, nil
}

// Close releases the log file.
func (rt *runtime) Close() {
	_ = rt.logger.Close()
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func newLogger(cfg *config.Config, dir string) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	logDir := dir
	if cfg.Logging.Stderr {
		logDir = ""
	}
	logger, err := logging.NewLogger(logDir, logging.ParseLevel(cfg.Logging.Level))
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	return logger, nil
}

// hubConfig maps the user configuration onto the component configs.
func hubConfig(cfg *config.Config, dir, sessionID string, logger *logging.Logger, m *metrics.Metrics) coordination.HubConfig {
	coord := coordination.DefaultConfig()
	coord.Dir = dir
	coord.SessionID = sessionID
	coord.TotalBudget = cfg.TotalMaxLLM
	coord.HeartbeatInterval = cfg.HeartbeatInterval()
	coord.HeartbeatTimeout = cfg.HeartbeatTimeout()
	coord.EnableWorkStealing = cfg.EnableWorkStealing
	coord.WeightByWorkload = cfg.Coordination.WeightByWorkload

	return coordination.HubConfig{
		Coordination:    coord,
		Limits:          lease.Limits{MaxRequests: cfg.MaxRequests(), MaxLLM: cfg.MaxLLM()},
		Rate:            rateConfig(cfg),
		Capacity:        capacityConfig(cfg),
		CleanupInterval: cfg.Coordination.CleanupInterval(),
		Logger:          logger,
		Metrics:         m,
	}
}

func rateConfig(cfg *config.Config) adaptive.Config {
	rc := adaptive.DefaultConfig()
	rc.ReductionFactor = cfg.Rate.ReductionFactor
	rc.RecoveryFactor = cfg.Rate.RecoveryFactor
	rc.RecoveryInterval = cfg.Rate.RecoveryInterval()
	rc.EscalationThreshold = cfg.Rate.EscalationThreshold
	rc.FloorThreshold = cfg.Rate.FloorThreshold
	rc.PredictiveThreshold = cfg.Rate.PredictiveThreshold
	rc.Weights = adaptive.Weights{
		Last10Min:   cfg.Rate.Weights.Last10Min,
		Last30Min:   cfg.Rate.Weights.Last30Min,
		Last60Min:   cfg.Rate.Weights.Last60Min,
		Consecutive: cfg.Rate.Weights.Consecutive,
	}
	rc.DefaultPreset = cfg.PresetLimit()
	return rc
}

func capacityConfig(cfg *config.Config) capacity.Config {
	return capacity.Config{
		Provider:     cfg.Provider,
		Model:        cfg.Model,
		PresetLimit:  cfg.PresetLimit(),
		CapacityWait: cfg.CapacityWait(),
		PollInterval: cfg.PollInterval(),
		LeaseTTL:     cfg.LeaseTTL(),
	}
}
