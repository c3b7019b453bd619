package stagelog

import (
	"encoding/json"
	"fmt"
)

// Status is the outcome recorded by a StageEvent for its stage.
type Status string

const (
	// StatusStarted indicates the stage has begun executing
	StatusStarted Status = "started"

	// StatusCompleted indicates the stage finished successfully
	StatusCompleted Status = "completed"

	// StatusFailed indicates the stage failed; a failure on any stage is terminal
	StatusFailed Status = "failed"
)

// Validate checks if the Status is a valid enum value.
func (s Status) Validate() error {
	switch s {
	case StatusStarted, StatusCompleted, StatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown status: %q", s)
	}
}

// StageEvent is the unit of the stage log: one observed transition of one
// job's pipeline. Events are immutable once created; the sequence number is
// derived from the stage position (see StageSet.Seq) so that transitions can
// be ordered without consulting the stage table again.
type StageEvent struct {
	JobID       string          `json:"job_id"`             // Opaque job identifier
	Stage       string          `json:"stage"`              // Stage name from the deployment's StageSet
	Status      Status          `json:"status"`             // started | completed | failed
	Seq         int64           `json:"seq"`                // Monotonic pipeline position, stage index * stride + completed bit
	Progress    int             `json:"progress,omitempty"` // 0-100, optional
	Result      json.RawMessage `json:"result,omitempty"`   // Opaque structured payload, optional
	Error       string          `json:"error,omitempty"`    // Failure detail when status=failed
	TimestampMs int64           `json:"ts_ms"`              // Unix timestamp in milliseconds when the event was created
}

// Validate checks if the StageEvent has valid field values.
// Stage membership in a particular StageSet is checked at publish time,
// not here: the router and gateway must accept events from a producer
// whose stage table is newer than their own.
func (e *StageEvent) Validate() error {
	if e.JobID == "" {
		return fmt.Errorf("job_id cannot be empty")
	}

	if e.Stage == "" {
		return fmt.Errorf("stage cannot be empty")
	}

	if err := e.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}

	if e.Seq < 0 {
		return fmt.Errorf("invalid seq: must be >= 0, got %d", e.Seq)
	}

	if e.Progress < 0 || e.Progress > 100 {
		return fmt.Errorf("invalid progress: must be in [0,100], got %d", e.Progress)
	}

	return nil
}

// CoarseStatus is the small vocabulary returned by the point-read status API.
type CoarseStatus string

const (
	// CoarseUnknown means no canonical state exists for the job
	CoarseUnknown CoarseStatus = "unknown"

	// CoarseQueued means the job is waiting in its initial stage
	CoarseQueued CoarseStatus = "queued"

	// CoarseRunning means the job is somewhere mid-pipeline
	CoarseRunning CoarseStatus = "running"

	// CoarseCompleted means the job reached its terminal stage successfully
	CoarseCompleted CoarseStatus = "completed"

	// CoarseFailed means some stage reported a failure
	CoarseFailed CoarseStatus = "failed"

	// CoarseError means stored state exists but could not be parsed
	CoarseError CoarseStatus = "error"
)

// seqStride spaces stage base sequence numbers so the completed bit fits
// between consecutive stages and future sub-orderings have room.
const seqStride = 10

// StageSet is the ordered stage vocabulary for a deployment. The first stage
// is the queued stage and the last stage is the terminal stage. Sequence
// numbers are derived from position, so appending stages before the terminal
// one preserves the ordering of already-published events.
type StageSet struct {
	order []string
	index map[string]int
}

// NewStageSet builds a StageSet from an ordered list of stage names.
// Requires at least two stages (a queued stage and a terminal stage) and
// rejects empty or duplicate names.
func NewStageSet(stages []string) (*StageSet, error) {
	if len(stages) < 2 {
		return nil, fmt.Errorf("stage set needs at least 2 stages, got %d", len(stages))
	}

	index := make(map[string]int, len(stages))
	for i, name := range stages {
		if name == "" {
			return nil, fmt.Errorf("stage name at position %d is empty", i)
		}
		if _, dup := index[name]; dup {
			return nil, fmt.Errorf("duplicate stage name: %q", name)
		}
		index[name] = i
	}

	order := make([]string, len(stages))
	copy(order, stages)

	return &StageSet{order: order, index: index}, nil
}

// DefaultStages is the stage vocabulary used when the configuration does not
// override it.
func DefaultStages() []string {
	return []string{"queued", "prepare", "process", "render", "finalize", "done"}
}

// Stages returns the ordered stage names.
func (s *StageSet) Stages() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Contains reports whether the stage name is part of this set.
func (s *StageSet) Contains(stage string) bool {
	_, ok := s.index[stage]
	return ok
}

// TerminalStage returns the name of the last stage in the pipeline.
func (s *StageSet) TerminalStage() string {
	return s.order[len(s.order)-1]
}

// QueuedStage returns the name of the first stage in the pipeline.
func (s *StageSet) QueuedStage() string {
	return s.order[0]
}

// Seq derives the monotonic sequence number for a stage transition.
// "stage started" always sorts before "stage completed" for the same stage,
// and every stage sorts before the next one. A failed stage takes the
// completed slot: the stage is over either way, and a retried "started" for
// it must not win the seq comparison against the recorded outcome.
func (s *StageSet) Seq(stage string, status Status) (int64, error) {
	base, ok := s.index[stage]
	if !ok {
		return 0, fmt.Errorf("unknown stage: %q", stage)
	}

	seq := int64(base) * seqStride
	if status == StatusCompleted || status == StatusFailed {
		seq++
	}
	return seq, nil
}

// Terminal reports whether the event ends the job's stream: the terminal
// stage was reached, or any stage failed.
func (s *StageSet) Terminal(e *StageEvent) bool {
	if e.Status == StatusFailed {
		return true
	}
	return e.Stage == s.TerminalStage()
}

// Coarse maps a StageEvent to the point-read status vocabulary.
func (s *StageSet) Coarse(e *StageEvent) CoarseStatus {
	if e.Status == StatusFailed {
		return CoarseFailed
	}
	if e.Stage == s.TerminalStage() {
		return CoarseCompleted
	}
	if e.Stage == s.QueuedStage() && e.Status != StatusCompleted {
		return CoarseQueued
	}
	return CoarseRunning
}
