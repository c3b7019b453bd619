package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagecast/stagecast/pkg/stagelog"
)

// Subscription is one session's view of a job's event feed: the canonical
// state snapshot first, then live notifications in seq order.
//
// Next and Close may be called from the session goroutine; push is called
// by the Manager's dispatch path. The backfill and lastSeq fields are only
// touched by Next, which a session calls sequentially.
type Subscription struct {
	id      uuid.UUID
	jobID   string
	manager *Manager

	queue    chan *stagelog.StageEvent
	backfill *stagelog.StageEvent
	lastSeq  int64

	done chan struct{}
	once sync.Once
}

// JobID returns the job this subscription watches.
func (s *Subscription) JobID() string {
	return s.jobID
}

// Next returns the next event for the session, blocking up to wait.
// Returns (nil, nil) when the wait elapses with nothing to deliver (the
// session emits a keepalive), and ErrClosed once the subscription is
// closed. Events older than the last delivered one are discarded, which is
// what makes the backfill/live race harmless.
func (s *Subscription) Next(ctx context.Context, wait time.Duration) (*stagelog.StageEvent, error) {
	if s.backfill != nil {
		event := s.backfill
		s.backfill = nil
		s.lastSeq = event.Seq
		return event, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case event := <-s.queue:
			if event.Seq <= s.lastSeq {
				continue
			}
			s.lastSeq = event.Seq
			return event, nil
		case <-timer.C:
			return nil, nil
		}
	}
}

// Close unregisters the subscription from the manager. Safe to call
// multiple times. Implements io.Closer.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.manager.remove(s)
		close(s.done)
	})
	return nil
}

// push enqueues a live event, dropping the oldest queued event when the
// queue is full. Never blocks: the bus consumer must not be held up by a
// slow session.
func (s *Subscription) push(event *stagelog.StageEvent) {
	for {
		select {
		case s.queue <- event:
			return
		default:
			select {
			case <-s.queue:
				s.manager.metrics.QueueDrop()
			default:
			}
		}
	}
}
