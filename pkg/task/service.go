package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("stakeledger/pkg/task")

// ErrAlreadyQueued is returned when a unique task or a task with the same id
// is still pending.
var ErrAlreadyQueued = errors.New("task already queued")

//go:generate mockgen -source=service.go -destination=mock/enqueuer_mock.go -package=mock
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuer{client: client}
}

func (e *enqueuer) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	ctx, span := tracer.Start(ctx, "task.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("task.type", t.Type()))

	info, err := e.client.EnqueueContext(ctx, t, opts...)
	switch {
	case errors.Is(err, asynq.ErrDuplicateTask), errors.Is(err, asynq.ErrTaskIDConflict):
		return nil, fmt.Errorf("%s: %w", t.Type(), ErrAlreadyQueued)
	case err != nil:
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to enqueue %s: %w", t.Type(), err)
	}

	span.SetAttributes(attribute.String("task.id", info.ID), attribute.String("task.queue", info.Queue))
	return info, nil
}
