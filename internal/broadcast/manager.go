// Package broadcast fans the notification bus out to in-process subscriber
// queues, one per streaming session, with canonical-state backfill for new
// subscribers.
//
// The Manager is an explicitly owned object: constructed once at process
// start with its collaborators injected, started with Start, torn down with
// Shutdown. The subscriber registry is process-local and exclusively owned
// by the Manager; its size is proportional to concurrently watched jobs, not
// to all jobs ever seen.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagecast/stagecast/internal/logger"
	"github.com/stagecast/stagecast/internal/metrics"
	"github.com/stagecast/stagecast/pkg/stagelog"
)

// ErrClosed is returned by Subscription.Next after the subscription or the
// whole manager has been closed.
var ErrClosed = errors.New("subscription closed")

const (
	reconnectBackoff    = 500 * time.Millisecond
	maxReconnectBackoff = 15 * time.Second
)

// Manager owns the notification-bus consumer and the job → subscriber-queue
// registry for one gateway process.
type Manager struct {
	client   *stagelog.Client
	log      *logger.Logger
	metrics  *metrics.Collector
	queueCap int

	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// NewManager creates a broadcast manager. queueCap bounds each subscriber
// queue; when a queue is full the oldest event is dropped so the bus
// consumer never blocks on a slow client.
func NewManager(client *stagelog.Client, log *logger.Logger, collector *metrics.Collector, queueCap int) *Manager {
	return &Manager{
		client:   client,
		log:      log.With("component", "broadcast"),
		metrics:  collector,
		queueCap: queueCap,
		subs:     make(map[string]map[*Subscription]struct{}),
	}
}

// Start runs the notification-bus consumer until the context is cancelled,
// reconnecting with backoff on bus failures. Subscribers are not torn down
// across a reconnect; they simply receive no new notifications until the
// bus is back (the snapshot path and session timeouts cover the gap).
func (m *Manager) Start(ctx context.Context) error {
	backoff := reconnectBackoff

	for ctx.Err() == nil {
		sub, err := m.client.SubscribeNotifications(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			m.log.Warn("notification bus unavailable, retrying", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				break
			}
			if backoff *= 2; backoff > maxReconnectBackoff {
				backoff = maxReconnectBackoff
			}
			continue
		}

		m.log.Info("notification bus connected")
		backoff = reconnectBackoff
		m.consume(ctx, sub)
		sub.Close()

		if ctx.Err() == nil {
			m.log.Warn("notification bus disconnected, reconnecting")
		}
	}

	return nil
}

func (m *Manager) consume(ctx context.Context, sub *stagelog.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			m.dispatch(event)
		case err, ok := <-sub.Errors():
			if !ok {
				return
			}
			m.log.Warn("notification bus error", "error", err)
		}
	}
}

// dispatch pushes an event into every queue registered for its job.
// Queues for other jobs are never touched.
func (m *Manager) dispatch(event *stagelog.StageEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sub := range m.subs[event.JobID] {
		sub.push(event)
	}
}

// Subscribe registers a subscriber queue for the job and backfills it with
// the current canonical state.
//
// The queue is registered before the snapshot read, then the snapshot is
// delivered as the subscription's first item and every later event is
// deduplicated against the last delivered seq. A live notification racing
// into the registration/snapshot window is therefore either dropped
// (older or equal) or delivered after the snapshot in order (newer). It is
// never lost and never doubled.
func (m *Manager) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}

	sub := &Subscription{
		id:      uuid.New(),
		jobID:   jobID,
		manager: m,
		queue:   make(chan *stagelog.StageEvent, m.queueCap),
		lastSeq: -1,
		done:    make(chan struct{}),
	}

	set, ok := m.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		m.subs[jobID] = set
	}
	set[sub] = struct{}{}
	m.metrics.SubscriptionOpened()
	m.mu.Unlock()

	m.log.Debug("subscriber registered", "subscription_id", sub.id, "job_id", jobID)

	snapshot, err := m.client.GetState(ctx, jobID)
	if err != nil && !stagelog.IsNotFound(err) {
		sub.Close()
		return nil, err
	}
	sub.backfill = snapshot

	return sub, nil
}

// remove unregisters a subscription. The last subscriber for a job drops
// the job's registry entry entirely.
func (m *Manager) remove(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.subs[sub.jobID]
	if !ok {
		return
	}
	if _, registered := set[sub]; !registered {
		return
	}

	delete(set, sub)
	if len(set) == 0 {
		delete(m.subs, sub.jobID)
	}
	m.metrics.SubscriptionClosed()

	m.log.Debug("subscriber removed", "subscription_id", sub.id, "job_id", sub.jobID)
}

// Shutdown closes every subscription. In-memory queues are not flushed:
// reconnecting clients recover via the snapshot path.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	var all []*Subscription
	for _, set := range m.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
}

// watchedJobs reports the number of jobs with at least one subscriber.
func (m *Manager) watchedJobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// subscriberCount reports the number of queues registered for a job.
func (m *Manager) subscriberCount(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[jobID])
}

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
