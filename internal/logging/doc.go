// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout and OpenTelemetry outputs
//   - correlation fields pulled from context (trace_id, task.id, task.phase, request.id)
//   - key and pattern based redaction on the stdout encoder
//   - sampling below Error
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithTaskID(ctx, task.ID)
//	ctx = logging.WithPhase(ctx, string(task.Phase))
//	logger.Info(ctx, "phase completed", zap.Duration("latency", d))
//
// Tests use NewTestLogger, which records every entry in memory:
//
//	tl := logging.NewTestLogger()
//	engine := repair.NewEngine(cfg, records, repair.WithLogger(tl.Logger))
//	...
//	tl.AssertLogged(t, zapcore.WarnLevel, "repair exhausted")
package logging
