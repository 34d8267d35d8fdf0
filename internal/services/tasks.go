package services

import (
	"context"
	"time"

	"github.com/duangjit/backend/internal/workerpool"
)

const (
	TaskKindSlip  = "process_slip"
	TaskKindReply = "send_reply"
)

// SlipTask reads and settles an uploaded slip off the request path.
type SlipTask struct {
	AccountKey string `json:"account_key"`
	Image      []byte `json:"image"`
}

// ReplyTask generates and sends the reply for a consumed prompt.
type ReplyTask struct {
	AccountKey string `json:"account_key"`
	Prompt     string `json:"prompt"`
}

// TaskQueue hands tasks to background workers.
type TaskQueue interface {
	EnqueueSlip(ctx context.Context, t SlipTask) error
	EnqueueReply(ctx context.Context, t ReplyTask) error
}

// TaskRunner executes queued tasks. Dispatcher implements it.
type TaskRunner interface {
	ProcessSlip(ctx context.Context, t SlipTask) error
	SendReply(ctx context.Context, t ReplyTask) error
}

// PoolQueue runs tasks on an in-process worker pool. Runner is usually set
// after construction, once the dispatcher that owns the queue exists.
type PoolQueue struct {
	Pool   *workerpool.Pool
	Runner TaskRunner
}

var _ TaskQueue = (*PoolQueue)(nil)

func (q *PoolQueue) EnqueueSlip(_ context.Context, t SlipTask) error {
	return q.Pool.Submit(TaskKindSlip, func(ctx context.Context) error {
		return q.Runner.ProcessSlip(ctx, t)
	})
}

func (q *PoolQueue) EnqueueReply(_ context.Context, t ReplyTask) error {
	return q.Pool.Submit(TaskKindReply, func(ctx context.Context) error {
		return q.Runner.SendReply(ctx, t)
	})
}

// InlineQueue runs tasks synchronously in the caller. Used by the CLI and
// tests.
type InlineQueue struct {
	Runner  TaskRunner
	Timeout time.Duration
}

var _ TaskQueue = (*InlineQueue)(nil)

func (q *InlineQueue) EnqueueSlip(ctx context.Context, t SlipTask) error {
	ctx, cancel := q.ctx(ctx)
	defer cancel()
	return q.Runner.ProcessSlip(ctx, t)
}

func (q *InlineQueue) EnqueueReply(ctx context.Context, t ReplyTask) error {
	ctx, cancel := q.ctx(ctx)
	defer cancel()
	return q.Runner.SendReply(ctx, t)
}

func (q *InlineQueue) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if q.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, q.Timeout)
}
