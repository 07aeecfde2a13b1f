package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantaex/coreex/pkg/metrics"
)

// Job is a post-commit side effect. Ownership transfers to the runner when a
// transaction commits; a job's failure is logged, never propagated back to
// the transaction that scheduled it.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobRunner drains post-commit jobs on a single background goroutine.
type JobRunner struct {
	logger *zap.Logger
	ch     chan Job
	wg     sync.WaitGroup
	once   sync.Once
}

func newJobRunner(logger *zap.Logger, buffer int) *JobRunner {
	if buffer < 1 {
		buffer = 1
	}
	r := &JobRunner{
		logger: logger.Named("post-commit"),
		ch:     make(chan Job, buffer),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *JobRunner) run() {
	defer r.wg.Done()
	ctx := context.Background()
	for job := range r.ch {
		id := uuid.NewString()
		if err := job.Run(ctx); err != nil {
			metrics.PostCommitJobs.WithLabelValues("failed").Inc()
			r.logger.Error("post-commit job failed",
				zap.String("job", job.Name()), zap.String("id", id), zap.Error(err))
			continue
		}
		metrics.PostCommitJobs.WithLabelValues("ok").Inc()
		r.logger.Debug("post-commit job done",
			zap.String("job", job.Name()), zap.String("id", id))
	}
}

// Enqueue hands a job to the runner. Blocks when the buffer is full rather
// than dropping work.
func (r *JobRunner) Enqueue(job Job) {
	r.ch <- job
}

// Close stops accepting jobs and waits for queued ones to finish.
func (r *JobRunner) Close() {
	r.once.Do(func() { close(r.ch) })
	r.wg.Wait()
}

// JobFunc adapts a function to the Job interface.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (j JobFunc) Name() string                  { return j.JobName }
func (j JobFunc) Run(ctx context.Context) error { return j.Fn(ctx) }
