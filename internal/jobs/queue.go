package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Processor executes one claimed job. Implementations own all state writes
// for the job, including its terminal record.
type Processor interface {
	Process(ctx context.Context, job *Job) error
}

// Queue dispatches persisted jobs to a pool of worker goroutines. The store
// is the actual delivery channel (claims with a visibility lease, redelivered
// on expiry); the queue adds the pool, a wake signal for low-latency pickup,
// and the cancellation side of the dispatch contract.
type Queue struct {
	log          *slog.Logger
	store        Store
	workers      int
	pollInterval time.Duration
	lease        time.Duration
	terminalTTL  time.Duration

	wake       chan struct{}
	wg         sync.WaitGroup
	cancel     context.CancelFunc
	cancelOnce sync.Once
	started    bool
	mu         sync.Mutex
}

// abortRetryDelay is how long AbortAll waits before re-enumerating in-flight
// jobs when the first enumeration comes back empty.
const abortRetryDelay = 250 * time.Millisecond

// NewQueue creates a dispatch queue over the shared store.
func NewQueue(logger *slog.Logger, store Store, workers int, pollInterval, lease, terminalTTL time.Duration) *Queue {
	if workers <= 0 {
		workers = 2
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if lease <= 0 {
		lease = 2 * time.Hour
	}
	if terminalTTL <= 0 {
		terminalTTL = 24 * time.Hour
	}
	return &Queue{
		log:          logger,
		store:        store,
		workers:      workers,
		pollInterval: pollInterval,
		lease:        lease,
		terminalTTL:  terminalTTL,
		wake:         make(chan struct{}, 1),
	}
}

// Start launches the worker pool. Each worker claims and processes one job at
// a time so cancellation latency stays bounded by a single stage.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("queue already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, p, i)
	}
	q.started = true
	return nil
}

func (q *Queue) worker(ctx context.Context, p Processor, idx int) {
	defer q.wg.Done()
	log := q.log.With("worker", idx)
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		job, err := q.store.ClaimNext(ctx, q.lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("claim job", "err", err)
		}
		if job != nil {
			jobLog := log.With("job_id", job.ID)
			jobLog.Info("processing job", "attempt", job.Attempts)
			start := time.Now()
			if err := p.Process(ctx, job); err != nil {
				jobLog.Error("job processing failed", "err", err, "duration", time.Since(start))
			} else {
				jobLog.Info("job processed", "duration", time.Since(start))
			}
			// Look for more work immediately after finishing a job.
			continue
		}
		select {
		case <-ctx.Done():
			log.Debug("worker stopping due to context cancellation")
			return
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// Notify nudges an idle worker after a job row has been created.
func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Cancel applies the single-job cancellation effects: registry marker,
// queue revoke for undispatched jobs, and an immediate terminal write so
// status queries answer consistently before the worker observes the flag.
// All effects are idempotent; cancelling a terminal or unknown id is not an
// error.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	if err := q.store.RequestCancel(ctx, id); err != nil {
		return err
	}
	expiresAt := time.Now().UTC().Add(q.terminalTTL)
	if revoked, err := q.store.RevokeQueued(ctx, id, expiresAt); err != nil {
		return err
	} else if revoked {
		q.log.Info("job revoked before dispatch", "job_id", id)
		return nil
	}
	written, err := q.store.MarkCancelled(ctx, id, expiresAt)
	if err != nil {
		return err
	}
	if written {
		q.log.Info("job cancelled", "job_id", id)
	}
	return nil
}

// AbortAll cancels every queued, dispatched, and running job. The in-flight
// enumeration can transiently come back empty, so it is retried once after a
// short delay. Jobs dispatched between enumeration and the cancel writes run
// until their next checkpoint.
func (q *Queue) AbortAll(ctx context.Context) error {
	queued, err := q.store.ListQueued(ctx)
	if err != nil {
		return err
	}
	for _, id := range queued {
		if err := q.Cancel(ctx, id); err != nil {
			q.log.Warn("abort: cancel queued job", "job_id", id, "err", err)
		}
	}

	inflight, err := q.store.ListInFlight(ctx)
	if err != nil {
		return err
	}
	if len(inflight) == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(abortRetryDelay):
		}
		inflight, err = q.store.ListInFlight(ctx)
		if err != nil {
			return err
		}
	}
	for _, id := range inflight {
		if err := q.Cancel(ctx, id); err != nil {
			q.log.Warn("abort: cancel in-flight job", "job_id", id, "err", err)
		}
	}
	q.log.Info("bulk abort issued", "queued", len(queued), "in_flight", len(inflight))
	return nil
}

// Shutdown stops the worker pool and waits up to deadline for in-progress
// jobs to reach their next checkpoint.
func (q *Queue) Shutdown(deadline time.Duration) {
	q.cancelOnce.Do(func() {
		if q.cancel != nil {
			q.cancel()
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			q.wg.Wait()
		}()

		if deadline <= 0 {
			<-done
			return
		}

		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
			q.log.Warn("queue shutdown deadline reached; workers may still be running")
		}
	})
}
