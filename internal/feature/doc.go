// Package feature defines the Feature work item, its validated status state
// machine, and the persisted per-project store.
//
// A Feature is one discrete unit of backlog work. Its status moves only
// along the transition edges declared in status.go; every transition is
// validated centrally before being applied, and an illegal transition is
// rejected with ErrIllegalTransition rather than silently applied.
//
// Features persist as one human-diffable YAML document per project
// (features.yaml). The file store writes atomically (tmp + rename) and can
// watch the file for external edits, reloading records and notifying the
// scheduler so hand-edited backlogs are picked up without a restart.
package feature
