// Package services wires and owns the per-project service bundles.
//
// Each registered project gets its own feature store, workspace manager and
// scheduler, all sharing the daemon-wide provider registry, event bus and
// metrics. The HTTP layer resolves a project id to its bundle here.
package services
