package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "rate.reduction_factor")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate top-level coordination settings
	errors = append(errors, c.validateCoordination()...)

	// Validate Pool config
	errors = append(errors, c.validatePool()...)

	// Validate Rate config
	errors = append(errors, c.validateRate()...)

	// Validate Logging config
	errors = append(errors, c.validateLogging()...)

	// Validate Metrics config
	errors = append(errors, c.validateMetrics()...)

	return errors
}

func (c *Config) validateCoordination() []ValidationError {
	var errors []ValidationError

	if _, ok := LookupTier(c.ProviderTier); !ok {
		errors = append(errors, ValidationError{
			Field:   "provider_tier",
			Value:   c.ProviderTier,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidTiers(), ", ")),
		})
	}

	if c.TotalMaxLLM < 1 {
		errors = append(errors, ValidationError{
			Field:   "total_max_llm",
			Value:   c.TotalMaxLLM,
			Message: "must be at least 1",
		})
	}

	if c.HeartbeatIntervalMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "heartbeat_interval_ms",
			Value:   c.HeartbeatIntervalMs,
			Message: "must be positive",
		})
	}

	// An instance must get at least one heartbeat in before it is declared dead
	if c.HeartbeatTimeoutMs <= c.HeartbeatIntervalMs {
		errors = append(errors, ValidationError{
			Field:   "heartbeat_timeout_ms",
			Value:   c.HeartbeatTimeoutMs,
			Message: fmt.Sprintf("must be greater than heartbeat_interval_ms (%d)", c.HeartbeatIntervalMs),
		})
	}

	if strings.ContainsAny(c.SessionID, `/\`) {
		errors = append(errors, ValidationError{
			Field:   "session_id",
			Value:   c.SessionID,
			Message: "must not contain path separators",
		})
	}

	if strings.TrimSpace(c.Provider) == "" {
		errors = append(errors, ValidationError{
			Field:   "provider",
			Value:   c.Provider,
			Message: "must not be empty",
		})
	}

	if strings.TrimSpace(c.Model) == "" {
		errors = append(errors, ValidationError{
			Field:   "model",
			Value:   c.Model,
			Message: "must not be empty",
		})
	}

	if c.Coordination.CleanupIntervalMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "coordination.cleanup_interval_ms",
			Value:   c.Coordination.CleanupIntervalMs,
			Message: "must be non-negative (0 disables periodic cleanup)",
		})
	}

	return errors
}

func (c *Config) validatePool() []ValidationError {
	var errors []ValidationError

	// 0 means use the tier value
	nonNegative := []struct {
		field string
		value int
	}{
		{"pool.max_requests", c.Pool.MaxRequests},
		{"pool.max_llm", c.Pool.MaxLLM},
		{"pool.capacity_wait_ms", c.Pool.CapacityWaitMs},
	}
	for _, f := range nonNegative {
		if f.value < 0 {
			errors = append(errors, ValidationError{
				Field:   f.field,
				Value:   f.value,
				Message: "must be non-negative (0 uses the tier value)",
			})
		}
	}

	if c.Pool.PollIntervalMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pool.poll_interval_ms",
			Value:   c.Pool.PollIntervalMs,
			Message: "must be positive",
		})
	}

	if c.Pool.LeaseTTLMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "pool.lease_ttl_ms",
			Value:   c.Pool.LeaseTTLMs,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateRate() []ValidationError {
	var errors []ValidationError
	r := c.Rate

	if r.ReductionFactor <= 0 || r.ReductionFactor >= 1 {
		errors = append(errors, ValidationError{
			Field:   "rate.reduction_factor",
			Value:   r.ReductionFactor,
			Message: "must be between 0 and 1 (exclusive)",
		})
	}

	if r.RecoveryFactor <= 1 {
		errors = append(errors, ValidationError{
			Field:   "rate.recovery_factor",
			Value:   r.RecoveryFactor,
			Message: "must be greater than 1",
		})
	}

	if r.RecoveryIntervalMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "rate.recovery_interval_ms",
			Value:   r.RecoveryIntervalMs,
			Message: "must be positive",
		})
	}

	if r.EscalationThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "rate.escalation_threshold",
			Value:   r.EscalationThreshold,
			Message: "must be at least 1",
		})
	}

	if r.FloorThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "rate.floor_threshold",
			Value:   r.FloorThreshold,
			Message: "must be at least 1",
		})
	}

	if r.PredictiveThreshold < 0 || r.PredictiveThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "rate.predictive_threshold",
			Value:   r.PredictiveThreshold,
			Message: "must be between 0 and 1",
		})
	}

	if r.PresetLimit < 0 {
		errors = append(errors, ValidationError{
			Field:   "rate.preset_limit",
			Value:   r.PresetLimit,
			Message: "must be non-negative (0 uses the tier value)",
		})
	}

	weights := []struct {
		field string
		value float64
	}{
		{"rate.weights.last_10m", r.Weights.Last10Min},
		{"rate.weights.last_30m", r.Weights.Last30Min},
		{"rate.weights.last_60m", r.Weights.Last60Min},
		{"rate.weights.consecutive", r.Weights.Consecutive},
	}
	for _, w := range weights {
		if w.value < 0 {
			errors = append(errors, ValidationError{
				Field:   w.field,
				Value:   w.value,
				Message: "must be non-negative",
			})
		}
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}

func (c *Config) validateMetrics() []ValidationError {
	var errors []ValidationError

	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Address) == "" {
		errors = append(errors, ValidationError{
			Field:   "metrics.address",
			Value:   c.Metrics.Address,
			Message: "must be set when metrics are enabled",
		})
	}

	return errors
}
