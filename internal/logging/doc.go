// Package logging provides structured logging for picoord coordination state.
//
// This package wraps Go's log/slog to produce JSON logs with persistent
// context attributes, so that the interleaved output of several cooperating
// instances can be filtered after the fact by instance or component.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/path/to/.pi/coordination", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.Info("lease reserved", "lease_id", id, "llm", 2)
//
// # Context Propagation
//
//	poolLogger := logger.WithInstance("sess-a-4121").WithComponent("lease")
//	poolLogger.Warn("expired lease reclaimed", "lease_id", id)
//
// Output:
//
//	{"time":"...","level":"WARN","msg":"expired lease reclaimed","instance_id":"sess-a-4121","component":"lease","lease_id":"..."}
//
// # Thread Safety
//
// [Logger] is safe for concurrent use. Child loggers created via the With*
// methods share the underlying writer.
//
// # Testing
//
// Use [NopLogger] to discard all output.
package logging
