// Package fingerprint computes per-task input/output digests and
// decides whether a task is up-to-date against its last stored
// record. Grounded on the reference implementation's workspace/db.rs
// TaskInput/TaskOutput/TaskRecord shape and execute/task_job.rs's
// up-to-date comparison, enriched per SPEC_FULL §4.4 step 5 with an
// action-body digest the original never hashed.
package fingerprint

// Record is the durable, per-task fingerprint written on every
// successful run and compared against on every subsequent one.
type Record struct {
	Input  Input
	Output Output
}

// Input captures everything a task's up-to-date decision depends on.
type Input struct {
	FileHashes  map[string]string // workspace-relative path -> content hash
	TaskHashes  map[string]string // absolute task dep name -> its output digest
	VarHashes   map[string]string // var name -> value hash
	ActionsHash string            // digest of the task's action bodies
}

// Output captures what a successful run produced.
type Output struct {
	ArtifactHashes map[string]string // artifact path -> content hash
	OutputDigest   string            // digest of the final action's return value
}
