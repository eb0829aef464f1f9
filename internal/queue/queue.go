// Package queue implements the single-writer indexing queue (spec.md
// §4.5): one FIFO, one dedicated worker goroutine per queue, so that only
// the worker ever holds a write connection against a user's index store.
// Every other actor submits an IndexJob and either returns immediately
// (fire-and-forget) or blocks on submit_and_wait up to a timeout.
//
// Grounded on original_source/src/ragling/indexing_queue.py for the job
// shape, router-on-indexer_type dispatch, and shutdown/drain semantics,
// and on the teacher's internal/async.BackgroundIndexer (stopCh/doneCh,
// mutex-guarded running flag) for the Go goroutine+channel idiom used to
// express that worker loop.
package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// IndexerType selects which registered Indexer handles a job; the router
// dispatches on this field alone (spec.md §4.5).
type IndexerType string

const (
	IndexerProject IndexerType = "project"
	IndexerCode    IndexerType = "code"
	IndexerObsidian IndexerType = "obsidian"
	IndexerEmail   IndexerType = "email"
	IndexerCalibre IndexerType = "calibre"
	IndexerRSS     IndexerType = "rss"
	IndexerPrune   IndexerType = "prune"
)

// JobType is a hint used by the watcher layer; the router never inspects
// it (spec.md §4.5).
type JobType string

const (
	JobDirectory        JobType = "directory"
	JobFile              JobType = "file"
	JobFileDeleted        JobType = "file_deleted"
	JobSystemCollection JobType = "system_collection"
)

// IndexJob is one unit of work submitted to the queue.
type IndexJob struct {
	JobType        JobType
	Path           string
	CollectionName string
	IndexerType    IndexerType
	Force          bool
}

// Result is the outcome of running one IndexJob through its indexer,
// mirroring original_source/src/ragling/indexers/base.py's IndexResult.
type Result struct {
	Indexed      int
	Skipped      int
	SkippedEmpty int
	Pruned       int
	Errors       int
	TotalFound   int
	ErrorMessages []string
}

// Indexer runs one IndexJob. Implementations live in internal/indexer;
// the queue only knows about this interface so it stays decoupled from
// any concrete source type.
type Indexer interface {
	Index(ctx context.Context, job IndexJob) (Result, error)
}

type request struct {
	job  IndexJob
	done chan struct{} // non-nil only for submit_and_wait callers
	res  Result
	err  error
}

// sentinel is the special job value that stops the worker loop (spec.md
// §4.5 "A special sentinel value signals shutdown").
var sentinel = IndexJob{IndexerType: "__shutdown__"}

// Queue is the per-user single-writer indexing queue.
type Queue struct {
	logger *slog.Logger

	jobs chan *request

	router   map[IndexerType]Indexer
	routerMu sync.RWMutex

	status *Status

	startOnce sync.Once
	stopOnce  sync.Once
	doneCh    chan struct{}

	drain bool
}

// New builds a Queue with the given job-buffer depth (0 means unbuffered,
// which still works since the worker drains continuously).
func New(logger *slog.Logger, bufferSize int) *Queue {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Queue{
		logger: logger,
		jobs:   make(chan *request, bufferSize),
		router: make(map[IndexerType]Indexer),
		status: NewStatus(),
		doneCh: make(chan struct{}),
	}
}

// Register wires an Indexer under the IndexerType the router dispatches
// on (spec.md §4.5 "The router dispatches on indexer_type alone").
func (q *Queue) Register(t IndexerType, idx Indexer) {
	q.routerMu.Lock()
	defer q.routerMu.Unlock()
	q.router[t] = idx
}

// Status returns the shared IndexingStatus counter.
func (q *Queue) Status() *Status { return q.status }

// Start launches the single worker goroutine. Start is idempotent; only
// the first call has any effect.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		go q.run(ctx)
	})
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-q.jobs:
			if r.job == sentinel {
				if q.drain {
					q.drainPending(ctx)
				}
				return
			}
			q.process(ctx, r)
		}
	}
}

func (q *Queue) drainPending(ctx context.Context) {
	for {
		select {
		case r := <-q.jobs:
			if r.job == sentinel {
				continue
			}
			q.process(ctx, r)
		default:
			return
		}
	}
}

func (q *Queue) process(ctx context.Context, r *request) {
	defer q.status.Decrement(r.job.CollectionName)

	q.routerMu.RLock()
	idx, ok := q.router[r.job.IndexerType]
	q.routerMu.RUnlock()

	if !ok {
		r.err = fmt.Errorf("queue: no indexer registered for %q", r.job.IndexerType)
		q.finish(r)
		return
	}

	res, err := idx.Index(ctx, r.job)
	r.res, r.err = res, err
	if err != nil {
		q.logger.Error("index job failed",
			"indexer_type", r.job.IndexerType,
			"collection", r.job.CollectionName,
			"path", r.job.Path,
			"error", err)
	}
	q.finish(r)
}

func (q *Queue) finish(r *request) {
	if r.done != nil {
		close(r.done)
	}
}

// Submit enqueues job and returns immediately without waiting for the
// result (spec.md §4.5 fire-and-forget submission).
func (q *Queue) Submit(job IndexJob) {
	q.status.Increment(job.CollectionName)
	q.jobs <- &request{job: job}
}

// SubmitAndWait wraps job in a completion signal and blocks up to timeout
// for the worker to finish it, returning (nil, false) on timeout — the
// job keeps running in the background (spec.md §4.5/§7 "submit_and_wait
// supports a per-call timeout; on timeout the caller returns null but the
// job continues in the background").
func (q *Queue) SubmitAndWait(ctx context.Context, job IndexJob, timeout time.Duration) (*Result, bool) {
	r := &request{job: job, done: make(chan struct{})}
	q.status.Increment(job.CollectionName)
	q.jobs <- r

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.done:
		res := r.res
		return &res, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Shutdown enqueues the sentinel and joins the worker with a bounded
// timeout (spec.md §4.5/§7: "shutdown() joins the worker with a 30s cap;
// a log warning is emitted if the worker is still alive after that"). The
// job channel is FIFO, so every job queued before Shutdown is processed
// ahead of the sentinel whether or not drain is set; no queued job is
// skipped. If drain is true, the worker also processes jobs that arrive
// behind the sentinel before it exits.
func (q *Queue) Shutdown(drain bool) {
	q.stopOnce.Do(func() {
		q.drain = drain
		q.jobs <- &request{job: sentinel}

		select {
		case <-q.doneCh:
		case <-time.After(30 * time.Second):
			q.logger.Warn("indexing queue worker did not stop within shutdown timeout")
		}
	})
}
