package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Task types handled by the payout worker.
const (
	TypePayoutTransfer     = "payout:transfer"
	TypeWithdrawalTransfer = "withdrawal:transfer"

	QueueName = "payouts"
)

// TransferPayload is the body of both transfer tasks.
type TransferPayload struct {
	ID string `json:"id"`
}

// AsynqQueue enqueues transfers on Redis via asynq. The task id is the
// payout or withdrawal id, so enqueueing twice is a no-op.
type AsynqQueue struct {
	client   *asynq.Client
	maxRetry int
}

// NewAsynqQueue wraps an asynq client.
func NewAsynqQueue(client *asynq.Client, maxRetry int) *AsynqQueue {
	return &AsynqQueue{client: client, maxRetry: maxRetry}
}

func (q *AsynqQueue) EnqueuePayout(ctx context.Context, id string) error {
	return q.enqueue(ctx, TypePayoutTransfer, id)
}

func (q *AsynqQueue) EnqueueWithdrawal(ctx context.Context, id string) error {
	return q.enqueue(ctx, TypeWithdrawalTransfer, id)
}

func (q *AsynqQueue) enqueue(ctx context.Context, typ, id string) error {
	b, err := json.Marshal(TransferPayload{ID: id})
	if err != nil {
		return err
	}
	task := asynq.NewTask(typ, b)
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.TaskID(typ+":"+id),
		asynq.Queue(QueueName),
		asynq.MaxRetry(q.maxRetry),
		asynq.Timeout(time.Minute),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// Processor executes queued transfers. *Dispatcher implements it.
type Processor interface {
	ProcessPayout(ctx context.Context, id string) error
	ProcessWithdrawal(ctx context.Context, id string) error
}

// InlineQueue runs transfers on the caller's goroutine. It backs demo
// mode, where there is no Redis.
type InlineQueue struct {
	proc   Processor
	logger *slog.Logger
}

// NewInlineQueue creates a queue that calls proc directly.
func NewInlineQueue(proc Processor, logger *slog.Logger) *InlineQueue {
	return &InlineQueue{proc: proc, logger: logger}
}

func (q *InlineQueue) EnqueuePayout(ctx context.Context, id string) error {
	if err := q.proc.ProcessPayout(ctx, id); err != nil {
		q.logger.Warn("inline payout transfer did not finish", "payoutId", id, "error", err)
	}
	return nil
}

func (q *InlineQueue) EnqueueWithdrawal(ctx context.Context, id string) error {
	if err := q.proc.ProcessWithdrawal(ctx, id); err != nil {
		q.logger.Warn("inline withdrawal transfer did not finish", "withdrawalId", id, "error", err)
	}
	return nil
}

// TaskHandler adapts a Processor to asynq handlers.
type TaskHandler struct {
	proc   Processor
	logger *slog.Logger
}

// NewTaskHandler creates the worker-side handler.
func NewTaskHandler(proc Processor, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{proc: proc, logger: logger}
}

// Register adds the transfer handlers to mux.
func (h *TaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypePayoutTransfer, h.HandlePayoutTransfer)
	mux.HandleFunc(TypeWithdrawalTransfer, h.HandleWithdrawalTransfer)
}

func (h *TaskHandler) HandlePayoutTransfer(ctx context.Context, t *asynq.Task) error {
	var p TransferPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	err := h.proc.ProcessPayout(ctx, p.ID)
	if errors.Is(err, ErrPayoutNotFound) {
		return fmt.Errorf("payout %s: %v: %w", p.ID, err, asynq.SkipRetry)
	}
	if err != nil {
		h.logger.Warn("payout transfer will be retried", "payoutId", p.ID, "error", err)
	}
	return err
}

func (h *TaskHandler) HandleWithdrawalTransfer(ctx context.Context, t *asynq.Task) error {
	var p TransferPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	err := h.proc.ProcessWithdrawal(ctx, p.ID)
	if errors.Is(err, ErrWithdrawalNotFound) {
		return fmt.Errorf("withdrawal %s: %v: %w", p.ID, err, asynq.SkipRetry)
	}
	if err != nil {
		h.logger.Warn("withdrawal transfer will be retried", "withdrawalId", p.ID, "error", err)
	}
	return err
}
