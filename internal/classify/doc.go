// Package classify turns raw provider diagnostics into actionable categories
// and drives the retry policy for transient failures.
//
// Classification runs an ordered rule chain; the first matching rule wins and
// the raw diagnostic is always retained alongside the classified message.
// Only network-class errors are retryable. Auth, billing, rate-limit and
// installation problems need user action and are never retried automatically.
package classify
