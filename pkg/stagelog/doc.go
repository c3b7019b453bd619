// Package stagelog provides type-safe Go definitions and Redis schema patterns
// for the stagecast event pipeline.
//
// # Overview
//
// The stage log is the shared substrate through which independent pipeline
// workers, the event router, and the fan-out gateway communicate. Workers
// append StageEvents to a sharded, capped Redis Stream log; the router folds
// that log into a per-job canonical state snapshot and republishes accepted
// events onto per-job Pub/Sub channels; the gateway fans those channels out
// to streaming clients.
//
// # Core Concepts
//
// StageEvents are immutable records of a job's progress through an ordered
// pipeline. Each event carries a monotonic sequence number derived from its
// stage position, so the latest-accepted event for a job can be decided with
// a single numeric comparison regardless of delivery order or duplication.
//
// The StageSet defines the ordered stage vocabulary for a deployment and is
// the single place sequence numbers come from. Extending the pipeline means
// extending the StageSet; the comparison logic never changes.
//
// Markers are short-TTL keys that make the at-least-once substrate safe:
// publish markers let retried workers re-publish the same logical event
// without creating a second log entry, and processed markers let the router
// re-read a shard after a restart without re-applying entries.
//
// # Atomicity
//
// Every check-then-write step (publish marker + XADD, seq compare + state
// overwrite) runs as a single server-side Lua script. The application never
// issues a read followed by a dependent write, so concurrent producers and
// redelivered entries cannot race past the checks.
//
// # Multi-Namespace Support
//
// All Redis keys and Pub/Sub channels are namespaced, so multiple stagecast
// deployments can safely coexist on a single Redis server.
//
// # Redis Schema
//
// Shard streams:      stagecast:{namespace}:log:{shard}
// Publish markers:    stagecast:{namespace}:pubmark:{job_id}:{stage}:{seq}
// Processed markers:  stagecast:{namespace}:procmark:{job_id}:{seq}
// Canonical state:    stagecast:{namespace}:state:{job_id}
// Job channels:       stagecast:{namespace}:job:{job_id}:events
package stagelog
