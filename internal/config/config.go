package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override (PI_TOTAL_MAX_LLM,
// PI_RATE_REDUCTION_FACTOR, ...).
const EnvPrefix = "PI"

// DefaultDir is the coordination directory, relative to the working
// directory unless absolute.
const DefaultDir = ".pi/coordination"

// Config represents the complete picoord configuration
type Config struct {
	// ProviderTier selects pool maxima, capacity wait and the preset
	// parallel limit. Options: "low", "standard", "high", "max"
	ProviderTier string `mapstructure:"provider_tier" yaml:"provider_tier"`
	// TotalMaxLLM is the LLM concurrency budget shared by all instances
	TotalMaxLLM int `mapstructure:"total_max_llm" yaml:"total_max_llm"`
	// HeartbeatIntervalMs is how often an instance refreshes its record
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	// HeartbeatTimeoutMs is how old a heartbeat may get before the instance is dead
	HeartbeatTimeoutMs int `mapstructure:"heartbeat_timeout_ms" yaml:"heartbeat_timeout_ms"`
	// EnableWorkStealing lets idle instances take over work of dead peers
	EnableWorkStealing bool `mapstructure:"enable_work_stealing" yaml:"enable_work_stealing"`
	// SessionID is combined with the pid to form the instance id.
	// Empty means a random id per process.
	SessionID string `mapstructure:"session_id" yaml:"session_id"`
	// Dir is the coordination directory shared by all instances
	Dir string `mapstructure:"dir" yaml:"dir"`
	// Provider and Model name the rate-state entry the capacity gate uses
	Provider string `mapstructure:"provider" yaml:"provider"`
	Model    string `mapstructure:"model" yaml:"model"`

	Pool         PoolConfig         `mapstructure:"pool" yaml:"pool"`
	Rate         RateConfig         `mapstructure:"rate" yaml:"rate"`
	Coordination CoordinationConfig `mapstructure:"coordination" yaml:"coordination"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
}

// PoolConfig overrides the tier's lease pool settings. Zero means "use the tier value".
type PoolConfig struct {
	MaxRequests    int `mapstructure:"max_requests" yaml:"max_requests"`
	MaxLLM         int `mapstructure:"max_llm" yaml:"max_llm"`
	CapacityWaitMs int `mapstructure:"capacity_wait_ms" yaml:"capacity_wait_ms"`
	// PollIntervalMs is how often a capacity wait re-checks the pool
	PollIntervalMs int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	// LeaseTTLMs is the default lease lifetime
	LeaseTTLMs int `mapstructure:"lease_ttl_ms" yaml:"lease_ttl_ms"`
}

// RateConfig tunes the adaptive rate controller
type RateConfig struct {
	ReductionFactor     float64 `mapstructure:"reduction_factor" yaml:"reduction_factor"`
	RecoveryFactor      float64 `mapstructure:"recovery_factor" yaml:"recovery_factor"`
	RecoveryIntervalMs  int     `mapstructure:"recovery_interval_ms" yaml:"recovery_interval_ms"`
	EscalationThreshold int     `mapstructure:"escalation_threshold" yaml:"escalation_threshold"`
	FloorThreshold      int     `mapstructure:"floor_threshold" yaml:"floor_threshold"`
	PredictiveThreshold float64 `mapstructure:"predictive_threshold" yaml:"predictive_threshold"`
	// PresetLimit overrides the tier's preset parallel limit (0 = tier value)
	PresetLimit int           `mapstructure:"preset_limit" yaml:"preset_limit"`
	Weights     WeightsConfig `mapstructure:"weights" yaml:"weights"`
}

// WeightsConfig holds the predictive score weights
type WeightsConfig struct {
	Last10Min   float64 `mapstructure:"last_10m" yaml:"last_10m"`
	Last30Min   float64 `mapstructure:"last_30m" yaml:"last_30m"`
	Last60Min   float64 `mapstructure:"last_60m" yaml:"last_60m"`
	Consecutive float64 `mapstructure:"consecutive" yaml:"consecutive"`
}

// CoordinationConfig controls cross-instance behavior
type CoordinationConfig struct {
	// WeightByWorkload gives instances with more pending work a larger share
	WeightByWorkload bool `mapstructure:"weight_by_workload" yaml:"weight_by_workload"`
	// CleanupIntervalMs is how often the agent sweeps expired leases and dead instances
	CleanupIntervalMs int `mapstructure:"cleanup_interval_ms" yaml:"cleanup_interval_ms"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether logging is active (default: true)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level sets the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level" yaml:"level"`
	// Stderr writes logs to stderr instead of the coordination directory
	Stderr bool `mapstructure:"stderr" yaml:"stderr"`
}

// MetricsConfig controls the Prometheus endpoint of the agent
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// Tier is a provider capacity preset
type Tier struct {
	Name         string
	MaxRequests  int
	MaxLLM       int
	CapacityWait time.Duration
	PresetLimit  int
}

var tiers = map[string]Tier{
	"low":      {Name: "low", MaxRequests: 4, MaxLLM: 2, CapacityWait: 30 * time.Second, PresetLimit: 2},
	"standard": {Name: "standard", MaxRequests: 10, MaxLLM: 5, CapacityWait: 20 * time.Second, PresetLimit: 4},
	"high":     {Name: "high", MaxRequests: 20, MaxLLM: 8, CapacityWait: 15 * time.Second, PresetLimit: 8},
	"max":      {Name: "max", MaxRequests: 40, MaxLLM: 16, CapacityWait: 12 * time.Second, PresetLimit: 16},
}

// DefaultTier is used when the configured tier is unknown
const DefaultTier = "standard"

// LookupTier returns the preset with the given name
func LookupTier(name string) (Tier, bool) {
	t, ok := tiers[strings.ToLower(name)]
	return t, ok
}

// ValidTiers returns the tier names ordered by capacity
func ValidTiers() []string {
	names := make([]string, 0, len(tiers))
	for name := range tiers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return tiers[names[i]].MaxLLM < tiers[names[j]].MaxLLM })
	return names
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		ProviderTier:        DefaultTier,
		TotalMaxLLM:         6,
		HeartbeatIntervalMs: 15000,
		HeartbeatTimeoutMs:  60000,
		EnableWorkStealing:  true,
		SessionID:           "", // Random per process
		Dir:                 DefaultDir,
		Provider:            "anthropic",
		Model:               "default",
		Pool: PoolConfig{
			MaxRequests:    0, // From tier
			MaxLLM:         0, // From tier
			CapacityWaitMs: 0, // From tier
			PollIntervalMs: 250,
			LeaseTTLMs:     300000, // 5 minutes
		},
		Rate: RateConfig{
			ReductionFactor:     0.5,
			RecoveryFactor:      1.05,
			RecoveryIntervalMs:  120000,
			EscalationThreshold: 3,
			FloorThreshold:      5,
			PredictiveThreshold: 0.15,
			PresetLimit:         0, // From tier
			Weights: WeightsConfig{
				Last10Min:   0.40,
				Last30Min:   0.15,
				Last60Min:   0.05,
				Consecutive: 0.20,
			},
		},
		Coordination: CoordinationConfig{
			WeightByWorkload:  true,
			CleanupIntervalMs: 30000,
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
			Stderr:  false,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9464",
		},
	}
}

// Tier returns the configured tier, falling back to the default tier
func (c *Config) Tier() Tier {
	if t, ok := LookupTier(c.ProviderTier); ok {
		return t
	}
	t, _ := LookupTier(DefaultTier)
	return t
}

// MaxRequests returns the pool request maximum
func (c *Config) MaxRequests() int {
	return overrideInt(c.Pool.MaxRequests, c.Tier().MaxRequests)
}

// MaxLLM returns the pool LLM maximum
func (c *Config) MaxLLM() int {
	return overrideInt(c.Pool.MaxLLM, c.Tier().MaxLLM)
}

// PresetLimit returns the preset parallel limit of the rate controller
func (c *Config) PresetLimit() int {
	return overrideInt(c.Rate.PresetLimit, c.Tier().PresetLimit)
}

// CapacityWait returns how long a capacity wait may last
func (c *Config) CapacityWait() time.Duration {
	if c.Pool.CapacityWaitMs > 0 {
		return ms(c.Pool.CapacityWaitMs)
	}
	return c.Tier().CapacityWait
}

// PollInterval returns the capacity wait poll interval
func (c *Config) PollInterval() time.Duration {
	return ms(c.Pool.PollIntervalMs)
}

// LeaseTTL returns the default lease lifetime
func (c *Config) LeaseTTL() time.Duration {
	return ms(c.Pool.LeaseTTLMs)
}

// HeartbeatInterval returns the heartbeat interval as a time.Duration
func (c *Config) HeartbeatInterval() time.Duration {
	return ms(c.HeartbeatIntervalMs)
}

// HeartbeatTimeout returns the heartbeat timeout as a time.Duration
func (c *Config) HeartbeatTimeout() time.Duration {
	return ms(c.HeartbeatTimeoutMs)
}

// RecoveryInterval returns the rate recovery interval as a time.Duration
func (c *RateConfig) RecoveryInterval() time.Duration {
	return ms(c.RecoveryIntervalMs)
}

// CleanupInterval returns the agent sweep interval as a time.Duration
func (c *CoordinationConfig) CleanupInterval() time.Duration {
	return ms(c.CleanupIntervalMs)
}

// ResolveDir returns the absolute coordination directory.
// Relative paths are resolved against baseDir.
func (c *Config) ResolveDir(baseDir string) string {
	dir := c.Dir
	if dir == "" {
		dir = DefaultDir
	}
	if strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, dir[2:])
		}
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(baseDir, dir)
	}
	return dir
}

func overrideInt(override, fallback int) int {
	if override > 0 {
		return override
	}
	return fallback
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("provider_tier", defaults.ProviderTier)
	viper.SetDefault("total_max_llm", defaults.TotalMaxLLM)
	viper.SetDefault("heartbeat_interval_ms", defaults.HeartbeatIntervalMs)
	viper.SetDefault("heartbeat_timeout_ms", defaults.HeartbeatTimeoutMs)
	viper.SetDefault("enable_work_stealing", defaults.EnableWorkStealing)
	viper.SetDefault("session_id", defaults.SessionID)
	viper.SetDefault("dir", defaults.Dir)
	viper.SetDefault("provider", defaults.Provider)
	viper.SetDefault("model", defaults.Model)

	// Pool defaults
	viper.SetDefault("pool.max_requests", defaults.Pool.MaxRequests)
	viper.SetDefault("pool.max_llm", defaults.Pool.MaxLLM)
	viper.SetDefault("pool.capacity_wait_ms", defaults.Pool.CapacityWaitMs)
	viper.SetDefault("pool.poll_interval_ms", defaults.Pool.PollIntervalMs)
	viper.SetDefault("pool.lease_ttl_ms", defaults.Pool.LeaseTTLMs)

	// Rate defaults
	viper.SetDefault("rate.reduction_factor", defaults.Rate.ReductionFactor)
	viper.SetDefault("rate.recovery_factor", defaults.Rate.RecoveryFactor)
	viper.SetDefault("rate.recovery_interval_ms", defaults.Rate.RecoveryIntervalMs)
	viper.SetDefault("rate.escalation_threshold", defaults.Rate.EscalationThreshold)
	viper.SetDefault("rate.floor_threshold", defaults.Rate.FloorThreshold)
	viper.SetDefault("rate.predictive_threshold", defaults.Rate.PredictiveThreshold)
	viper.SetDefault("rate.preset_limit", defaults.Rate.PresetLimit)
	viper.SetDefault("rate.weights.last_10m", defaults.Rate.Weights.Last10Min)
	viper.SetDefault("rate.weights.last_30m", defaults.Rate.Weights.Last30Min)
	viper.SetDefault("rate.weights.last_60m", defaults.Rate.Weights.Last60Min)
	viper.SetDefault("rate.weights.consecutive", defaults.Rate.Weights.Consecutive)

	// Coordination defaults
	viper.SetDefault("coordination.weight_by_workload", defaults.Coordination.WeightByWorkload)
	viper.SetDefault("coordination.cleanup_interval_ms", defaults.Coordination.CleanupIntervalMs)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.stderr", defaults.Logging.Stderr)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	viper.SetDefault("metrics.address", defaults.Metrics.Address)
}

// BindEnv enables PI_* environment overrides for every registered key.
// Nested keys map with dots replaced by underscores:
// rate.reduction_factor is read from PI_RATE_REDUCTION_FACTOR.
func BindEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "picoord")
	}
	// Fall back to ~/.config/picoord
	home, err := os.UserHomeDir()
	if err != nil {
		return ".picoord"
	}
	return filepath.Join(home, ".config", "picoord")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
