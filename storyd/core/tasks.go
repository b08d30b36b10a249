package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Oudwins/storyd/internals/faults"
	"github.com/Oudwins/storyd/internals/schemas"
	"github.com/Oudwins/storyd/internals/tasky"
	"github.com/Oudwins/storyd/internals/taskstore"
	"github.com/Oudwins/storyd/internals/workflow"
)

// CreateTask stores a new pending task for owner and prepares its
// directory. The request must already be validated.
func (b *BaseServer) CreateTask(ctx context.Context, owner string, request schemas.TaskCreateRequest) (taskstore.Task, error) {
	shape, err := workflow.Lookup(request.Workflow)
	if err != nil {
		return taskstore.Task{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return taskstore.Task{}, fmt.Errorf("generate task id: %w", err)
	}
	task, err := b.Store.Create(ctx, taskstore.Task{
		ID:       id.String(),
		Owner:    owner,
		Workflow: shape.Name,
		Params: taskstore.Params{
			Topic:    request.Topic,
			MainRole: request.MainRole,
			Scene:    request.Scene,
		},
	})
	if err != nil {
		return taskstore.Task{}, err
	}
	if err := b.Resources.Prepare(task.ID); err != nil {
		b.Logger.Error("Failed to prepare task directory", slog.String("taskId", task.ID), slog.String("error", err.Error()))
		if markErr := b.Store.MarkDeleted(context.WithoutCancel(ctx), task.ID); markErr != nil {
			b.Logger.Error("Failed to discard task", slog.String("taskId", task.ID), slog.String("error", markErr.Error()))
		}
		return taskstore.Task{}, err
	}
	b.Logger.Info("Task created", slog.String("taskId", task.ID), slog.String("owner", owner), slog.String("workflow", task.Workflow))
	return task, nil
}

// GetTask returns the owner's task. Tasks of other owners are reported as
// not found.
func (b *BaseServer) GetTask(ctx context.Context, owner string, taskID string) (taskstore.Task, error) {
	task, err := b.Store.Get(ctx, taskID)
	if err != nil {
		return taskstore.Task{}, err
	}
	if task.Owner != owner {
		return taskstore.Task{}, faults.NotFound("task %s not found", taskID)
	}
	return task, nil
}

// DeleteTask soft-deletes the owner's task and queues the removal of its
// files. It returns the purge job id.
func (b *BaseServer) DeleteTask(ctx context.Context, owner string, taskID string) (string, error) {
	if _, err := b.GetTask(ctx, owner, taskID); err != nil {
		return "", err
	}
	if err := b.Store.MarkDeleted(ctx, taskID); err != nil {
		return "", err
	}
	data, err := json.Marshal(schemas.PurgeJob{TaskID: taskID})
	if err != nil {
		return "", err
	}
	jobID, err := b.TaskQueue.Enqueue(ctx, tasky.NewTask(JobTaskPurge, data))
	if err != nil {
		// The task is gone for every caller already; only its files remain.
		b.Logger.Error("Failed to queue resource purge", slog.String("taskId", taskID), slog.String("error", err.Error()))
		return "", nil
	}
	b.Logger.Info("Task deleted", slog.String("taskId", taskID), slog.String("jobId", jobID))
	return jobID, nil
}
