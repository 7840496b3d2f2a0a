// Package scheduler runs admitted features through the plan/approve/execute
// pipeline under a bounded concurrency limit.
//
// One Scheduler owns one project. It keeps a registry of running tasks keyed
// by feature id; there are no process-wide singletons, so independent
// projects schedule concurrently without shared state.
//
// Admission happens on ticks (task completion, feature changes, concurrency
// changes, explicit run requests, backlog file reloads). Eligible features
// are those in backlog or queued, not already running, with every dependency
// verified; they are admitted in priority order, oldest first within a
// priority, up to the free slot count.
//
// A parked feature (waiting_approval) holds no slot. Approval re-enters the
// admission path so the concurrency bound holds across the gate.
package scheduler
