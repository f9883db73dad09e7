package memory

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/easeaico/her-companion/internal/types"
)

// Job is one background extraction request.
type Job struct {
	UserID         uint
	ConversationID uint
	Messages       []types.Message
}

// JobHandler processes one job; Manager.Extract has this shape.
type JobHandler func(ctx context.Context, userID, conversationID uint, messages []types.Message) ([]types.ShortTermMemory, error)

// QueueOptions configures an ExtractionQueue.
type QueueOptions struct {
	Workers int
	Size    int
	// Timeout bounds a single job.
	Timeout time.Duration
	// OnDrop is called when a job is rejected because the queue is full.
	OnDrop func()
	// OnDone is called after every job with its error, if any.
	OnDone func(err error)
}

// ExtractionQueue runs memory extraction off the request path on a bounded
// buffer drained by a fixed pool of workers. Failures are logged and never
// reach the producer.
type ExtractionQueue struct {
	handler JobHandler
	opts    QueueOptions
	jobs    chan Job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewExtractionQueue returns a queue; call Start before Enqueue.
func NewExtractionQueue(handler JobHandler, opts QueueOptions) *ExtractionQueue {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Size <= 0 {
		opts.Size = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &ExtractionQueue{
		handler: handler,
		opts:    opts,
		jobs:    make(chan Job, opts.Size),
	}
}

// Start launches the workers. They stop when ctx is done or Close is called.
func (q *ExtractionQueue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue schedules job without blocking. It reports false when the job was
// dropped.
func (q *ExtractionQueue) Enqueue(job Job) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.jobs <- job:
		return true
	default:
		slog.Warn("memory extraction queue full, dropping job", "user_id", job.UserID)
		if q.opts.OnDrop != nil {
			q.opts.OnDrop()
		}
		return false
	}
}

// Len returns the number of queued jobs.
func (q *ExtractionQueue) Len() int {
	return len(q.jobs)
}

// Close stops accepting jobs, lets the workers drain the buffer and waits for
// them.
func (q *ExtractionQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
	if q.cancel != nil {
		q.cancel()
	}
}

func (q *ExtractionQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, job)
		}
	}
}

func (q *ExtractionQueue) run(ctx context.Context, job Job) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in memory extraction", "user_id", job.UserID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("memory extraction panic: %v", r)
		}
		if q.opts.OnDone != nil {
			q.opts.OnDone(err)
		}
	}()

	jobCtx, cancel := context.WithTimeout(ctx, q.opts.Timeout)
	defer cancel()
	var created []types.ShortTermMemory
	created, err = q.handler(jobCtx, job.UserID, job.ConversationID, job.Messages)
	if err != nil {
		slog.Debug("background memory extraction failed", "user_id", job.UserID, "error", err)
		return
	}
	slog.Debug("background memory extraction done", "user_id", job.UserID, "created", len(created))
}
