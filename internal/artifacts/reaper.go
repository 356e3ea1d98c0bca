// Package artifacts manages the lifecycle of temporary files produced during
// job processing: delayed deletion after a retention window and the periodic
// sweep of expired job records.
package artifacts

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jo-hoe/subtitler/internal/jobs"
)

type entry struct {
	path string
	at   time.Time
}

// Reaper deletes scheduled files once their retention deadline passes. All
// pending deletions share one goroutine and one timer armed for the earliest
// deadline; scheduling never blocks the caller.
type Reaper struct {
	log  *slog.Logger
	mu   sync.Mutex
	pend []entry
	wake chan struct{}
	wg   sync.WaitGroup
}

func NewReaper(logger *slog.Logger) *Reaper {
	return &Reaper{
		log:  logger,
		wake: make(chan struct{}, 1),
	}
}

// Start launches the deletion goroutine until ctx is done.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Wait blocks until the deletion goroutine has exited.
func (r *Reaper) Wait() {
	r.wg.Wait()
}

// Schedule queues path for deletion at the given time.
func (r *Reaper) Schedule(path string, at time.Time) {
	if path == "" {
		return
	}
	r.mu.Lock()
	r.pend = append(r.pend, entry{path: path, at: at})
	sort.Slice(r.pend, func(i, j int) bool { return r.pend[i].at.Before(r.pend[j].at) })
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// ScheduleAfter queues path for deletion after the given retention window.
func (r *Reaper) ScheduleAfter(path string, window time.Duration) {
	r.Schedule(path, time.Now().UTC().Add(window))
}

// Pending reports the number of scheduled deletions not yet performed.
func (r *Reaper) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pend)
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		next, ok := r.reapDue()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if ok {
			timer.Reset(time.Until(next))
		} else {
			// Nothing pending; sleep until woken by a new schedule.
			timer.Reset(time.Hour)
		}
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-timer.C:
		}
	}
}

// reapDue deletes every entry whose deadline has passed and returns the next
// deadline, if any remain.
func (r *Reaper) reapDue() (time.Time, bool) {
	now := time.Now().UTC()
	var due []entry

	r.mu.Lock()
	i := 0
	for i < len(r.pend) && !r.pend[i].at.After(now) {
		i++
	}
	due = append(due, r.pend[:i]...)
	r.pend = r.pend[i:]
	var next time.Time
	ok := len(r.pend) > 0
	if ok {
		next = r.pend[0].at
	}
	r.mu.Unlock()

	for _, e := range due {
		if err := os.Remove(e.path); err != nil {
			// A missing file is fine; deletion is best-effort and idempotent.
			if !os.IsNotExist(err) {
				r.log.Warn("delete artifact", "path", e.path, "err", err)
			}
			continue
		}
		r.log.Debug("artifact deleted", "path", e.path)
	}
	return next, ok
}

// SweepExpired periodically deletes terminal job records whose retention has
// passed. It blocks until ctx is done.
func SweepExpired(ctx context.Context, logger *slog.Logger, store jobs.Store, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.DeleteExpired(ctx, time.Now().UTC())
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("sweep expired records", "err", err)
				}
				continue
			}
			if n > 0 {
				logger.Info("expired job records removed", "count", n)
			}
		}
	}
}
