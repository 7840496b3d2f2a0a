// Package provider defines the uniform contract dispatchd speaks to every
// agent backend, plus the concrete backends.
//
// A Provider turns an ExecuteOptions into a Stream of Messages. The scheduler
// consumes Messages without knowing which backend produced them; backends
// differ only in how they are spawned (Claude Code CLI subprocess, direct
// Anthropic API) and in the capabilities they report.
//
// Model ids may carry an explicit backend prefix ("claude/claude-sonnet-4-5").
// The Registry resolves the backend and strips the prefix before the model id
// reaches ExecuteOptions; a leaked prefix is a bug and is rejected.
package provider
