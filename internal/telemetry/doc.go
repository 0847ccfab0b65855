// Package telemetry wires OpenTelemetry tracer and meter providers with OTLP
// exporters (gRPC or HTTP).
//
// Disabled telemetry yields the global no-op providers, so instrumented code
// never needs to check whether telemetry is on:
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tracer := tel.Tracer("memoryd/store")
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
