// Package telemetry provides OpenTelemetry instrumentation for phasegate.
//
// New creates the tracer and meter providers with OTLP exporters (gRPC or
// HTTP/protobuf) and installs them globally, so packages that call
// otel.Tracer or otel.Meter at init time pick them up. When telemetry is
// disabled the global no-op providers stay in place.
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc
//	  service_name: "phasegate"
//	  sampling:
//	    rate: 1.0
//	  metrics:
//	    enabled: true
//	    export_interval: "15s"
//
// Provider failures never stop the daemon; the instance reports itself
// degraded through Health and falls back to the global providers.
//
// The orchestrator passes TracerProvider down to the review fan-out and
// the repair engines, so one advance yields an orchestrator.advance span
// with review.fanout and repair.run children. Health feeds GET /health.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	orch, _ := orchestrator.New(cfg, deps, orchestrator.WithTracerProvider(tt.TracerProvider()))
//	...
//	span := tt.FanOutSpan(t, "design_review")
//	telemetry.AssertAttributes(t, span, map[string]any{"degraded": int64(0)})
package telemetry
