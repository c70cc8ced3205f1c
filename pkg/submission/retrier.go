package submission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"bounty-zk/pkg/index"
	"bounty-zk/pkg/metrics"
)

// retryAttemptTimeout bounds one replay of a task.
const retryAttemptTimeout = 10 * time.Second

// Task is an idempotent index write.
type Task struct {
	Name string
	Do   func(ctx context.Context) error
}

type scheduledTask struct {
	Task
	backoff backoff.BackOff
	attempt int
	due     time.Time
}

// IndexRetrier replays failed index writes in the background until they
// succeed. Writes are idempotent, so a task may run more than once.
//
// Every task keeps its own backoff schedule and up to workers tasks run
// at once, so a write that keeps failing never delays the others. The
// schedule is unbounded; tasks are only lost at shutdown, where they are
// logged so an operator can replay them.
type IndexRetrier struct {
	interval time.Duration
	maxWait  time.Duration
	workers  *semaphore.Weighted
	metrics  *metrics.Metrics
	log      *logrus.Entry
	now      func() time.Time

	mu      sync.Mutex
	tasks   []*scheduledTask
	stopped bool
	wake    chan struct{}

	running sync.WaitGroup
	pending atomic.Int64
	once    sync.Once
	done    chan struct{}
}

// NewIndexRetrier creates a retrier running up to workers replays
// concurrently. interval is the delay before the first replay.
func NewIndexRetrier(workers int, interval time.Duration, m *metrics.Metrics, log *logrus.Entry) *IndexRetrier {
	if workers < 1 {
		workers = 1
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &IndexRetrier{
		interval: interval,
		maxWait:  time.Minute,
		workers:  semaphore.NewWeighted(int64(workers)),
		metrics:  m,
		log:      log.WithField("component", "index-retrier"),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue schedules t. It returns false only once the retrier has shut
// down.
func (r *IndexRetrier) Enqueue(t Task) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.interval
	b.MaxInterval = r.maxWait
	b.MaxElapsedTime = 0
	b.Reset()

	st := &scheduledTask{Task: t, backoff: b, due: r.now().Add(r.interval)}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		r.log.WithField("task", t.Name).Error("index retrier stopped, write not scheduled")
		return false
	}
	r.tasks = append(r.tasks, st)
	r.mu.Unlock()

	r.metrics.IndexRetries(int(r.pending.Add(1)))
	r.log.WithField("task", t.Name).Info("index write queued for retry")
	r.signal()
	return true
}

// Pending returns the number of tasks not yet completed.
func (r *IndexRetrier) Pending() int {
	return int(r.pending.Load())
}

// Done is closed when Run returns.
func (r *IndexRetrier) Done() <-chan struct{} {
	return r.done
}

// Run replays due tasks until ctx is done.
func (r *IndexRetrier) Run(ctx context.Context) {
	defer r.once.Do(func() { close(r.done) })

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, next := r.takeDue(r.now())
		for i, st := range due {
			if err := r.workers.Acquire(ctx, 1); err != nil {
				r.reschedule(due[i:]...)
				break
			}
			r.running.Add(1)
			go func(st *scheduledTask) {
				defer r.running.Done()
				defer r.workers.Release(1)
				r.attempt(ctx, st)
			}(st)
		}

		wait := time.Hour
		if !next.IsZero() {
			wait = max(next.Sub(r.now()), 0)
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			r.running.Wait()
			r.shutdown()
			return
		case <-r.wake:
		case <-timer.C:
		}
	}
}

func (r *IndexRetrier) attempt(ctx context.Context, st *scheduledTask) {
	st.attempt++
	log := r.log.WithFields(logrus.Fields{
		"task":    st.Name,
		"attempt": st.attempt,
	})

	actx, cancel := context.WithTimeout(ctx, retryAttemptTimeout)
	err := st.Do(actx)
	cancel()

	switch {
	case err == nil:
		log.Info("index write recovered")
		r.finish()
	case permanent(err):
		log.WithError(err).Error("index write cannot succeed, dropped")
		r.finish()
	default:
		log.WithError(err).Warn("index write failed, will retry")
		st.due = r.now().Add(st.backoff.NextBackOff())
		r.reschedule(st)
	}
}

// permanent reports whether retrying err is pointless.
func permanent(err error) bool {
	var p *backoff.PermanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, index.ErrNotFound) ||
		errors.Is(err, index.ErrBadRecord) ||
		errors.Is(err, index.ErrDimension) ||
		errors.Is(err, index.ErrNoCompany)
}

func (r *IndexRetrier) finish() {
	r.metrics.IndexRetries(int(r.pending.Add(-1)))
}

// takeDue removes the tasks due at now and returns the earliest due time
// of the rest.
func (r *IndexRetrier) takeDue(now time.Time) (due []*scheduledTask, next time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rest := r.tasks[:0]
	for _, st := range r.tasks {
		if !st.due.After(now) {
			due = append(due, st)
			continue
		}
		rest = append(rest, st)
		if next.IsZero() || st.due.Before(next) {
			next = st.due
		}
	}
	clear(r.tasks[len(rest):])
	r.tasks = rest
	return due, next
}

func (r *IndexRetrier) reschedule(sts ...*scheduledTask) {
	r.mu.Lock()
	r.tasks = append(r.tasks, sts...)
	r.mu.Unlock()
	r.signal()
}

func (r *IndexRetrier) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *IndexRetrier) shutdown() {
	r.mu.Lock()
	r.stopped = true
	lost := r.tasks
	r.tasks = nil
	r.mu.Unlock()

	for _, st := range lost {
		r.pending.Add(-1)
		r.log.WithFields(logrus.Fields{
			"task":     st.Name,
			"attempts": st.attempt,
		}).Error("index write abandoned at shutdown")
	}
	r.metrics.IndexRetries(r.Pending())
}
