package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Oudwins/storyd/internals/guard"
	"github.com/Oudwins/storyd/internals/schemas"
	"github.com/Oudwins/storyd/internals/tasky"
	"github.com/Oudwins/storyd/internals/taskstore"
)

// Dispatch queues the execution of an admitted segment and returns the
// queue job id. The job is delivered at most once.
func (b *BaseServer) Dispatch(ctx context.Context, task taskstore.Task, segment int, redo bool) (string, error) {
	data, err := json.Marshal(schemas.SegmentJob{
		TaskID:   task.ID,
		Owner:    task.Owner,
		Workflow: task.Workflow,
		Segment:  segment,
		Redo:     redo,
	})
	if err != nil {
		return "", err
	}
	jobID, err := b.TaskQueue.Enqueue(ctx, tasky.NewTask(JobSegmentExecute, data))
	if err != nil {
		return "", fmt.Errorf("enqueue segment %d of task %s: %w", segment, task.ID, err)
	}
	return jobID, nil
}

// ExecuteSegment admits segment for the owner's task and dispatches it.
// An admission that cannot be dispatched is released again.
func (b *BaseServer) ExecuteSegment(ctx context.Context, owner string, taskID string, segment int, redo bool) (string, error) {
	admission, err := b.Guard.Admit(ctx, guard.Request{
		TaskID:  taskID,
		Owner:   owner,
		Segment: segment,
		Redo:    redo,
	})
	if err != nil {
		return "", err
	}

	jobID, err := b.Dispatch(ctx, admission.Task, segment, redo)
	if err != nil {
		b.Logger.Error("Failed to dispatch segment",
			slog.String("taskId", taskID),
			slog.Int("segment", segment),
			slog.String("error", err.Error()),
		)
		if releaseErr := b.Guard.Release(context.WithoutCancel(ctx), admission, "dispatch failed: "+err.Error()); releaseErr != nil {
			b.Logger.Error("Failed to release admission", slog.String("taskId", taskID), slog.String("error", releaseErr.Error()))
		}
		return "", err
	}

	b.Logger.Info("Segment queued",
		slog.String("taskId", taskID),
		slog.Int("segment", segment),
		slog.Bool("redo", redo),
		slog.String("jobId", jobID),
	)
	return jobID, nil
}
