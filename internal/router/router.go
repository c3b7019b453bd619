// Package router consumes the sharded stage log and folds it into per-job
// canonical state, republishing accepted events onto the notification bus.
//
// The router is the component that turns an at-least-once substrate into
// at-most-one state transition per logical event: every entry passes through
// the atomic processed-marker + seq compare in stagelog.ApplyEvent, so
// duplicates and out-of-order deliveries are absorbed without effect.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stagecast/stagecast/internal/config"
	"github.com/stagecast/stagecast/internal/logger"
	"github.com/stagecast/stagecast/internal/metrics"
	"github.com/stagecast/stagecast/pkg/stagelog"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Router owns one consumer loop per shard stream.
type Router struct {
	client  *stagelog.Client
	log     *logger.Logger
	metrics *metrics.Collector

	readBatch int64
	readBlock time.Duration
}

// New creates a router over every shard of the client's namespace.
func New(client *stagelog.Client, log *logger.Logger, collector *metrics.Collector, cfg config.RouterConfig) *Router {
	return &Router{
		client:    client,
		log:       log.With("component", "router"),
		metrics:   collector,
		readBatch: cfg.ReadBatch,
		readBlock: cfg.ReadBlock.Std(),
	}
}

// Run starts one goroutine per shard and blocks until the context is
// cancelled. Always returns nil: per-entry failures are logged and retried
// or skipped, never escalated to a process crash.
func (r *Router) Run(ctx context.Context) error {
	r.log.Info("router starting", "shards", r.client.Shards())

	var wg sync.WaitGroup
	for shard := 0; shard < r.client.Shards(); shard++ {
		wg.Add(1)
		go func(shard int) {
			defer wg.Done()
			r.consumeShard(ctx, shard)
		}(shard)
	}
	wg.Wait()

	r.log.Info("router stopped")
	return nil
}

// consumeShard reads one shard stream sequentially. The shard streams are
// short capped logs, so each run starts from 0-0 and re-scans the retained
// window; redelivery is harmless because of the processed markers.
func (r *Router) consumeShard(ctx context.Context, shard int) {
	log := r.log.With("shard", shard)
	lastID := "0-0"
	backoff := initialBackoff

	for ctx.Err() == nil {
		msgs, err := r.client.ReadShard(ctx, shard, lastID, r.readBatch, r.readBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("shard read failed, backing off", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = initialBackoff

		for _, msg := range msgs {
			if err := r.processEntry(ctx, msg); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Transient store failure: do not advance past the entry,
				// the next read re-delivers it.
				log.Warn("entry apply failed, will retry", "entry_id", msg.ID, "error", err)
				if !sleep(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff)
				break
			}
			lastID = msg.ID
		}
	}
}

// processEntry applies one log entry. Malformed entries are warned about and
// skipped (returns nil); only transient store errors propagate, which makes
// the caller retry the same entry.
func (r *Router) processEntry(ctx context.Context, msg redis.XMessage) error {
	event, err := stagelog.EventFromStreamValues(msg.Values)
	if err != nil {
		r.log.Warn("skipping malformed log entry", "entry_id", msg.ID, "error", err)
		r.metrics.EntryMalformed()
		return nil
	}

	advanced, err := r.client.ApplyEvent(ctx, event)
	if err != nil {
		return err
	}

	if !advanced {
		r.metrics.EntryStale()
		return nil
	}
	r.metrics.EntryRouted()

	// Best-effort: state is already durable and clients recover via the
	// snapshot path. Retrying here could double-publish to subscribers.
	if err := r.client.PublishNotification(ctx, event); err != nil {
		r.log.Warn("notification publish failed after state write",
			"job_id", event.JobID, "seq", event.Seq, "error", err)
		r.metrics.NotificationFailed()
	}

	return nil
}

// sleep waits for d or until the context is cancelled. Reports whether the
// full duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
