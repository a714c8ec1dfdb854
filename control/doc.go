// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration registry, environment overrides and runtime metrics for the
// coroio runtime.
//
// Provides concurrent-safe state handling primitives including:
//   - Typed configuration items with change listeners
//   - YAML document loading with dotted-key flattening
//   - Environment variable overrides
//   - Metrics telemetry with live gauges
package control
