package core

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"path/filepath"

	"github.com/Oudwins/storyd/internals/faults"
	"github.com/Oudwins/storyd/internals/notify"
	"github.com/Oudwins/storyd/internals/taskstore"
)

// Outcome is the result of one segment execution. A nil Err is a success.
type Outcome struct {
	Err error
	// Produced holds the files the executor reported, relative to the task
	// directory. The published resources always come from the resolver.
	Produced []string
}

func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// OnSegmentComplete records the outcome of segment and notifies the task
// owner. Completions for tasks that were deleted or are no longer running
// that segment are dropped.
func (b *BaseServer) OnSegmentComplete(ctx context.Context, taskID string, segment int, outcome Outcome) {
	logger := b.Logger.With(slog.String("taskId", taskID), slog.Int("segment", segment))
	ctx = context.WithoutCancel(ctx)

	var (
		task  taskstore.Task
		event notify.Event
		err   error
	)
	if outcome.Succeeded() {
		task, err = b.Store.Advance(ctx, taskID, segment)
		if err == nil {
			var listed []string
			listed, err = b.Resources.List(task, segment)
			if err != nil {
				logger.Error("Failed to list segment resources", slog.String("error", err.Error()))
				listed, err = []string{}, nil
			}
			if missing := undiscovered(task.ID, outcome.Produced, listed); len(missing) > 0 {
				logger.Debug("Executor reported files the resolver did not discover",
					slog.Int("reported", len(outcome.Produced)),
					slog.Int("listed", len(listed)),
					slog.Any("missing", missing),
				)
			}
			event = notify.Event{
				Type:      notify.EventSegmentFinished,
				TaskID:    task.ID,
				SegmentID: segment,
				Status:    task.Status.String(),
				Resources: listed,
			}
		}
	} else {
		message := outcome.Err.Error()
		task, err = b.Store.MarkFailed(ctx, taskID, segment, message)
		if err == nil {
			event = notify.Event{
				Type:      notify.EventSegmentFailed,
				TaskID:    task.ID,
				SegmentID: segment,
				Status:    taskstore.StatusFailed.String(),
				Error:     message,
			}
		}
	}

	if err != nil {
		if isStale(err) {
			logger.Warn("Dropping stale completion", slog.String("reason", err.Error()))
		} else {
			logger.Error("Failed to record segment outcome", slog.String("error", err.Error()))
		}
		return
	}

	logger.Info("Segment completed", slog.String("status", task.Status.String()), slog.String("event", string(event.Type)))
	if err := b.Broker.Publish(ctx, task.Owner, event); err != nil {
		logger.Error("Failed to publish segment event", slog.String("error", err.Error()))
	}
}

func undiscovered(taskID string, produced []string, listed []string) []string {
	seen := make(map[string]struct{}, len(listed))
	for _, rel := range listed {
		seen[rel] = struct{}{}
	}
	var missing []string
	for _, rel := range produced {
		if _, ok := seen[path.Join(taskID, filepath.ToSlash(rel))]; !ok {
			missing = append(missing, rel)
		}
	}
	return missing
}

func isStale(err error) bool {
	return errors.Is(err, faults.ErrNotFound) ||
		errors.Is(err, faults.ErrConflict) ||
		errors.Is(err, faults.ErrOutOfOrder)
}
