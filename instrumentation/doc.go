// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// Instrumentation is optional: when disabled (or when no instance is wired at
// all) every component falls back to no-op providers with zero overhead. The
// package exposes pre-registered instruments through the Metrics holder so the
// hot paths never create instruments per request.
//
// Scoped meters and tracers are named per layer ("http", "server", "storage",
// "security", "keyring") so exported telemetry can be filtered by origin.
package instrumentation
