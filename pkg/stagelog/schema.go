package stagelog

import (
	"fmt"
	"hash/fnv"
)

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced to enable multiple
// stagecast deployments to safely coexist on a single Redis server.
//
// Key pattern: stagecast:{namespace}:{entity}:{...}
// Channel pattern: stagecast:{namespace}:job:{job_id}:events

// StreamKey returns the Redis Stream key for one shard of the stage log.
// Pattern: stagecast:{namespace}:log:{shard}
func StreamKey(namespace string, shard int) string {
	return fmt.Sprintf("stagecast:%s:log:%d", namespace, shard)
}

// PublishMarkerKey returns the producer-side idempotency marker key for a
// logical event. A marker records the stream entry ID the event was appended
// under, so a retried publish returns the original ID instead of appending.
// Pattern: stagecast:{namespace}:pubmark:{job_id}:{stage}:{seq}
func PublishMarkerKey(namespace, jobID, stage string, seq int64) string {
	return fmt.Sprintf("stagecast:%s:pubmark:%s:%s:%d", namespace, jobID, stage, seq)
}

// ProcessedMarkerKey returns the router-side idempotency marker key for a
// log entry. Distinct namespace from publish markers: the producer and the
// router answer different questions about the same logical event.
// Pattern: stagecast:{namespace}:procmark:{job_id}:{seq}
func ProcessedMarkerKey(namespace, jobID string, seq int64) string {
	return fmt.Sprintf("stagecast:%s:procmark:%s:%d", namespace, jobID, seq)
}

// StateKey returns the Redis key holding a job's canonical state hash.
// The hash carries a "seq" field (for the Lua compare-and-set) and an
// "event" field (the serialized latest-accepted StageEvent).
// Pattern: stagecast:{namespace}:state:{job_id}
func StateKey(namespace, jobID string) string {
	return fmt.Sprintf("stagecast:%s:state:%s", namespace, jobID)
}

// JobEventsChannel returns the Pub/Sub channel for one job's accepted events.
// Pattern: stagecast:{namespace}:job:{job_id}:events
func JobEventsChannel(namespace, jobID string) string {
	return fmt.Sprintf("stagecast:%s:job:%s:events", namespace, jobID)
}

// JobEventsPattern returns the PSUBSCRIBE pattern covering every job channel
// in the namespace. Consumers route by the job_id inside the payload rather
// than parsing it back out of the channel name.
func JobEventsPattern(namespace string) string {
	return fmt.Sprintf("stagecast:%s:job:*:events", namespace)
}

// ShardFor maps a job ID to one of n shards using FNV-1a. The assignment is
// deterministic across processes and restarts; changing n reassigns jobs and
// requires a coordinated migration.
func ShardFor(jobID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(jobID))
	return int(h.Sum32() % uint32(n))
}
