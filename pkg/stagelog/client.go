package stagelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Settings carries the tunables of the log substrate. Everything here is
// deployment configuration; nothing is baked into the algorithms.
type Settings struct {
	Shards             int           // Number of parallel shard streams (fixed at deploy time)
	TrimMaxLen         int64         // Approximate per-shard stream cap
	PublishMarkerTTL   time.Duration // Lifetime of producer idempotency markers
	ProcessedMarkerTTL time.Duration // Lifetime of router processed markers
	StateTTL           time.Duration // Lifetime of canonical state snapshots
}

// DefaultSettings returns the settings used when configuration does not
// override them.
func DefaultSettings() Settings {
	return Settings{
		Shards:             4,
		TrimMaxLen:         4096,
		PublishMarkerTTL:   6 * time.Hour,
		ProcessedMarkerTTL: time.Hour,
		StateTTL:           time.Hour,
	}
}

// Validate checks the settings for values the substrate cannot run with.
func (s Settings) Validate() error {
	if s.Shards < 1 {
		return fmt.Errorf("shards must be >= 1, got %d", s.Shards)
	}
	if s.TrimMaxLen < 1 {
		return fmt.Errorf("trim maxlen must be >= 1, got %d", s.TrimMaxLen)
	}
	if s.PublishMarkerTTL <= 0 || s.ProcessedMarkerTTL <= 0 || s.StateTTL <= 0 {
		return fmt.Errorf("marker and state TTLs must be positive")
	}
	return nil
}

// Client provides namespace-scoped Redis operations for the stage log.
// All keys and channels are automatically namespaced. The client is
// thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb       *redis.Client
	namespace string
	stages    *StageSet
	settings  Settings
}

// NewClient creates a new stage log client for the given namespace.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - namespace: deployment namespace (must not be empty)
//   - stages: the ordered stage vocabulary used to derive sequence numbers
//   - settings: substrate tunables (shard count, TTLs, trim cap)
func NewClient(redisOpts *redis.Options, namespace string, stages *StageSet, settings Settings) (*Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	if stages == nil {
		return nil, fmt.Errorf("stage set cannot be nil")
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}

	return &Client{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
		stages:    stages,
		settings:  settings,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Namespace returns the deployment namespace this client is scoped to.
func (c *Client) Namespace() string {
	return c.namespace
}

// StageSet returns the stage vocabulary this client derives sequence
// numbers from.
func (c *Client) StageSet() *StageSet {
	return c.stages
}

// Shards returns the configured shard count.
func (c *Client) Shards() int {
	return c.settings.Shards
}

// Shard returns the shard a job's events are appended to.
func (c *Client) Shard(jobID string) int {
	return ShardFor(jobID, c.settings.Shards)
}

// PublishOptions carries the optional fields of a published stage event.
type PublishOptions struct {
	Progress int             // 0-100
	Result   json.RawMessage // Opaque payload, usually only on the terminal event
	Error    string          // Failure detail, usually only with StatusFailed
}

// PublishStageEvent appends a stage transition to the job's shard stream.
// The publish is idempotent: a retried call for the same logical event
// (same job, stage and status) returns the entry ID recorded by the first
// call and reports duplicate=true without appending a second entry.
//
// Store unavailability surfaces as a hard error; retrying is safe because
// of the marker check.
func (c *Client) PublishStageEvent(ctx context.Context, jobID, stage string, status Status, opts PublishOptions) (entryID string, duplicate bool, err error) {
	seq, err := c.stages.Seq(stage, status)
	if err != nil {
		return "", false, fmt.Errorf("cannot derive seq: %w", err)
	}

	event := &StageEvent{
		JobID:       jobID,
		Stage:       stage,
		Status:      status,
		Seq:         seq,
		Progress:    opts.Progress,
		Result:      opts.Result,
		Error:       opts.Error,
		TimestampMs: time.Now().UnixMilli(),
	}
	if err := event.Validate(); err != nil {
		return "", false, fmt.Errorf("invalid stage event: %w", err)
	}

	shard := ShardFor(jobID, c.settings.Shards)
	keys := []string{
		PublishMarkerKey(c.namespace, jobID, stage, seq),
		StreamKey(c.namespace, shard),
	}
	argv := []interface{}{
		int(c.settings.PublishMarkerTTL.Seconds()),
		c.settings.TrimMaxLen,
	}
	argv = append(argv, EventToStreamFields(event)...)

	res, err := publishScript.Run(ctx, c.rdb, keys, argv...).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to publish stage event: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return "", false, fmt.Errorf("unexpected publish script reply: %v", res)
	}
	created, _ := reply[0].(int64)
	entryID, _ = reply[1].(string)

	return entryID, created == 0, nil
}

// ApplyEvent advances the job's canonical state if, and only if, the event
// is strictly newer than what is stored and has not been applied before.
// Returns advanced=true exactly when the state was overwritten; duplicate
// deliveries and stale events are absorbed silently.
func (c *Client) ApplyEvent(ctx context.Context, event *StageEvent) (advanced bool, err error) {
	if err := event.Validate(); err != nil {
		return false, fmt.Errorf("invalid stage event: %w", err)
	}

	data, err := MarshalEvent(event)
	if err != nil {
		return false, err
	}

	keys := []string{
		ProcessedMarkerKey(c.namespace, event.JobID, event.Seq),
		StateKey(c.namespace, event.JobID),
	}
	argv := []interface{}{
		event.Seq,
		string(data),
		int(c.settings.ProcessedMarkerTTL.Seconds()),
		int(c.settings.StateTTL.Seconds()),
	}

	res, err := applyScript.Run(ctx, c.rdb, keys, argv...).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to apply stage event: %w", err)
	}

	return res == 1, nil
}

// GetState retrieves the job's canonical state snapshot.
// Returns (nil, redis.Nil) when no state exists. Use IsNotFound() to check.
// A snapshot that exists but cannot be parsed is returned as an error; the
// caller decides how to present it (the status API maps it to "error").
func (c *Client) GetState(ctx context.Context, jobID string) (*StageEvent, error) {
	raw, err := c.rdb.HGetAll(ctx, StateKey(c.namespace, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read canonical state: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(raw) == 0 {
		return nil, redis.Nil
	}

	event, err := UnmarshalEvent([]byte(raw["event"]))
	if err != nil {
		return nil, fmt.Errorf("stored state for job %s: %w", jobID, err)
	}

	return event, nil
}

// PublishNotification publishes an accepted event onto the job's
// notification channel. Callers treat failures as best-effort: canonical
// state is already durable and clients recover via GetState.
func (c *Client) PublishNotification(ctx context.Context, event *StageEvent) error {
	data, err := MarshalEvent(event)
	if err != nil {
		return err
	}

	channel := JobEventsChannel(c.namespace, event.JobID)
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	return nil
}

// ReadShard reads a window of entries from one shard stream, blocking up to
// the given duration when no entry newer than fromID exists yet. Returns an
// empty slice on a block timeout.
func (c *Client) ReadShard(ctx context.Context, shard int, fromID string, count int64, block time.Duration) ([]redis.XMessage, error) {
	streams, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamKey(c.namespace, shard), fromID},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read shard %d: %w", shard, err)
	}

	if len(streams) == 0 {
		return nil, nil
	}
	return streams[0].Messages, nil
}

// Subscription represents an active Pub/Sub subscription to the namespace's
// notification channels. Caller must call Close() when done.
type Subscription struct {
	events <-chan *StageEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of accepted stage events.
// The channel is closed when the subscription is closed or the context is
// cancelled.
func (s *Subscription) Events() <-chan *StageEvent {
	return s.events
}

// Errors returns the channel of subscription errors. Errors are non-fatal
// (malformed payloads are skipped); the subscription continues after them.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeNotifications subscribes to every job channel in the namespace.
// Returns a Subscription delivering full StageEvents. Caller must call
// subscription.Close() when done; context cancellation also stops it.
//
// Events are delivered on a buffered channel to decouple the Redis reader
// from the consumer. Pub/Sub is at-most-once: anything a disconnected
// consumer misses is recovered through the canonical state snapshot.
func (c *Client) SubscribeNotifications(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.PSubscribe(ctx, JobEventsPattern(c.namespace))

	// Confirm the subscription is established before handing it out.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to notifications: %w", err)
	}

	eventsChan := make(chan *StageEvent, 64)
	errorsChan := make(chan error, 16)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				event, err := UnmarshalEvent([]byte(msg.Payload))
				if err != nil {
					select {
					case errorsChan <- fmt.Errorf("bad notification payload: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// SubscribeJobEvents subscribes to a single job's notification channel.
// Same contract as SubscribeNotifications, scoped to one job. Used by
// clients that watch a specific job rather than fan out a whole namespace.
func (c *Client) SubscribeJobEvents(ctx context.Context, jobID string) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, JobEventsChannel(c.namespace, jobID))

	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to job events: %w", err)
	}

	eventsChan := make(chan *StageEvent, 16)
	errorsChan := make(chan error, 4)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				event, err := UnmarshalEvent([]byte(msg.Payload))
				if err != nil {
					select {
					case errorsChan <- fmt.Errorf("bad notification payload: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error
// (redis.Nil). Use this to check if GetState returned "no canonical state".
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
