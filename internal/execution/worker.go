package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/riverqueue/river"

	"github.com/duangjit/backend/internal/services"
)

// ErrNotBound is returned when a job is enqueued before the river client
// exists.
var ErrNotBound = errors.New("river insert not wired")

type ProcessSlipArgs struct {
	services.SlipTask
}

func (ProcessSlipArgs) Kind() string { return services.TaskKindSlip }

func (ProcessSlipArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

type SendReplyArgs struct {
	services.ReplyTask
}

func (SendReplyArgs) Kind() string { return services.TaskKindReply }

// Replies are stale after a few minutes; retry less.
func (SendReplyArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 3}
}

type ProcessSlipWorker struct {
	river.WorkerDefaults[ProcessSlipArgs]
	runner services.TaskRunner
}

func NewProcessSlipWorker(runner services.TaskRunner) *ProcessSlipWorker {
	return &ProcessSlipWorker{runner: runner}
}

func (w *ProcessSlipWorker) Timeout(*river.Job[ProcessSlipArgs]) time.Duration {
	return 2 * time.Minute
}

func (w *ProcessSlipWorker) Work(ctx context.Context, job *river.Job[ProcessSlipArgs]) error {
	if err := w.runner.ProcessSlip(ctx, job.Args.SlipTask); err != nil {
		return fmt.Errorf("process slip for %s: %w", job.Args.AccountKey, err)
	}
	return nil
}

type SendReplyWorker struct {
	river.WorkerDefaults[SendReplyArgs]
	runner services.TaskRunner
}

func NewSendReplyWorker(runner services.TaskRunner) *SendReplyWorker {
	return &SendReplyWorker{runner: runner}
}

func (w *SendReplyWorker) Work(ctx context.Context, job *river.Job[SendReplyArgs]) error {
	if err := w.runner.SendReply(ctx, job.Args.ReplyTask); err != nil {
		return fmt.Errorf("send reply to %s: %w", job.Args.AccountKey, err)
	}
	return nil
}

// Register adds both task workers to workers.
func Register(workers *river.Workers, runner services.TaskRunner) error {
	if err := river.AddWorkerSafely(workers, NewProcessSlipWorker(runner)); err != nil {
		return err
	}
	return river.AddWorkerSafely(workers, NewSendReplyWorker(runner))
}

// InsertFunc inserts one job. In production it wraps river.Client.Insert.
type InsertFunc func(ctx context.Context, args river.JobArgs) error

// RiverQueue is a services.TaskQueue backed by river. The insert func is
// bound after the client is created, which in turn needs the workers.
type RiverQueue struct {
	mu     sync.Mutex
	insert InsertFunc
	logger *slog.Logger
}

func NewRiverQueue(logger *slog.Logger) *RiverQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RiverQueue{logger: logger}
}

var _ services.TaskQueue = (*RiverQueue)(nil)

func (q *RiverQueue) Bind(fn InsertFunc) {
	q.mu.Lock()
	q.insert = fn
	q.mu.Unlock()
}

func (q *RiverQueue) EnqueueSlip(ctx context.Context, t services.SlipTask) error {
	return q.enqueue(ctx, ProcessSlipArgs{SlipTask: t})
}

func (q *RiverQueue) EnqueueReply(ctx context.Context, t services.ReplyTask) error {
	return q.enqueue(ctx, SendReplyArgs{ReplyTask: t})
}

func (q *RiverQueue) enqueue(ctx context.Context, args river.JobArgs) error {
	q.mu.Lock()
	fn := q.insert
	q.mu.Unlock()
	if fn == nil {
		return ErrNotBound
	}
	if err := fn(ctx, args); err != nil {
		q.logger.Error("enqueue job", "kind", args.Kind(), "error", err)
		return fmt.Errorf("enqueue %s: %w", args.Kind(), err)
	}
	return nil
}
