// Package events fans task lifecycle events out to observers.
//
// The in-process Bus is the primary surface: the scheduler publishes without
// blocking, and slow subscribers lose events rather than stalling stream
// consumption. An optional NATS mirror republishes every event onto a
// per-feature subject for observers outside the process.
package events
