package stagelog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrMalformed marks data that was present but could not be parsed as a
// valid StageEvent. Callers distinguish it from transient store errors with
// errors.Is.
var ErrMalformed = errors.New("malformed stage event")

// Serialization helpers for the two wire shapes a StageEvent travels in.
//
// Stream entries are flat field/value lists (the XADD shape), which keeps
// individual fields visible to XRANGE debugging. Pub/Sub notifications carry
// the whole event as one JSON document, since subscribers always want the
// complete record.

// EventToStreamFields converts a StageEvent to the flat field/value list
// appended to a shard stream. Optional fields are omitted when empty.
func EventToStreamFields(e *StageEvent) []interface{} {
	fields := []interface{}{
		"job_id", e.JobID,
		"stage", e.Stage,
		"status", string(e.Status),
		"seq", strconv.FormatInt(e.Seq, 10),
		"ts_ms", strconv.FormatInt(e.TimestampMs, 10),
		"progress", strconv.Itoa(e.Progress),
	}

	if len(e.Result) > 0 {
		fields = append(fields, "result", string(e.Result))
	}
	if e.Error != "" {
		fields = append(fields, "error", e.Error)
	}

	return fields
}

// EventFromStreamValues converts the value map of a read stream entry back
// into a StageEvent. A missing job_id marks the entry malformed; the caller
// is expected to warn and skip, not fail its loop.
func EventFromStreamValues(values map[string]interface{}) (*StageEvent, error) {
	jobID, _ := values["job_id"].(string)
	if jobID == "" {
		return nil, fmt.Errorf("stream entry missing job_id")
	}

	stage, _ := values["stage"].(string)
	status, _ := values["status"].(string)

	seqStr, _ := values["seq"].(string)
	seq, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid seq field %q: %w", seqStr, err)
	}

	tsStr, _ := values["ts_ms"].(string)
	tsMs, _ := strconv.ParseInt(tsStr, 10, 64)

	progressStr, _ := values["progress"].(string)
	progress, _ := strconv.Atoi(progressStr)

	event := &StageEvent{
		JobID:       jobID,
		Stage:       stage,
		Status:      Status(status),
		Seq:         seq,
		Progress:    progress,
		TimestampMs: tsMs,
	}

	if result, ok := values["result"].(string); ok && result != "" {
		event.Result = json.RawMessage(result)
	}
	if errMsg, ok := values["error"].(string); ok {
		event.Error = errMsg
	}

	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("malformed stream entry: %w", err)
	}

	return event, nil
}

// MarshalEvent serializes a StageEvent for the notification bus and the
// canonical state hash.
func MarshalEvent(e *StageEvent) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stage event: %w", err)
	}
	return data, nil
}

// UnmarshalEvent parses a serialized StageEvent and validates it, so stored
// or published garbage surfaces as a parse error rather than a half-filled
// struct.
func UnmarshalEvent(data []byte) (*StageEvent, error) {
	var event StageEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &event, nil
}
