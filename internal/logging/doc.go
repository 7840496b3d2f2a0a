// Package logging provides structured logging for dispatchd.
//
// It wraps Zap with context-aware methods that automatically attach
// correlation fields (trace/span ids, project, feature, run, request id)
// extracted from the context, a Trace level below Debug, redaction of
// sensitive fields, and an optional OpenTelemetry log bridge.
//
// Provider API keys and bearer tokens never reach log output: the
// RedactingEncoder masks configured field names and value patterns. Raw
// provider diagnostics persisted on a Feature record are not affected;
// redaction applies to log output only.
package logging
