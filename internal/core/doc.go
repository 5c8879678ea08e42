// Package core is the job service behind the batch HTTP API.
//
// It turns an API request into a running batch execution and keeps the
// persisted record of that execution in step with it:
//
//  1. [Service.StartJob] validates the request, takes a slot from the
//     [JobLimiter], creates the execution record, stages the polygon and
//     layer inputs (uploads or object-store ids) into
//     {workDir}/vdyp-batch-{guid}, and starts the orchestrator in the
//     background.
//  2. Non-terminal state transitions are written to the store as they
//     happen. The terminal state is written once the archive, if any, has
//     been pushed to the object store.
//  3. Running jobs publish progress through a [ProgressPublisher], which
//     only emits a snapshot when its xxh3 hash changed.
//
// Background maintenance lives in scheduler.go: progress publication and
// retention of ledger entries, job records and work directories.
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages with [MapError]. Codes
// follow the job stage that failed: CFG, READ, PROJ, AGG, SKIP and JOB.
package core
