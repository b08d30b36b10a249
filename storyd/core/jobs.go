package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	z "github.com/Oudwins/zog"

	"github.com/Oudwins/storyd/internals/conf"
	"github.com/Oudwins/storyd/internals/executor"
	"github.com/Oudwins/storyd/internals/faults"
	"github.com/Oudwins/storyd/internals/schemas"
	"github.com/Oudwins/storyd/internals/tasky"
	taskymemory "github.com/Oudwins/storyd/internals/tasky/backends/memory"
	taskysqlite3 "github.com/Oudwins/storyd/internals/tasky/backends/tasky_sqlite3"
	"github.com/Oudwins/storyd/internals/taskstore"
)

type Jobs string

const (
	JobSegmentExecute Jobs = "segment_execute"
	JobTaskPurge      Jobs = "task_purge"
)

const queueName = "storyd_queue"

func NewQueue(ctx context.Context, base *BaseServer) (*tasky.Queue[Jobs], error) {
	segmentJob := tasky.NewJob(JobSegmentExecute, tasky.JobConfig[Jobs]{
		Run: base.runSegment,
	})
	purgeJob := tasky.NewJob(JobTaskPurge, tasky.JobConfig[Jobs]{
		Priority: 10,
		Run:      base.runPurge,
	})

	var backend tasky.Backend[Jobs]
	switch base.Config.Queue.Backend {
	case conf.BackendMemory:
		backend = taskymemory.New[Jobs](taskymemory.Config{})
	default:
		if err := os.MkdirAll(filepath.Dir(base.Config.QueuePath()), 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
		sqliteBackend, err := taskysqlite3.New[Jobs](ctx, taskysqlite3.Config{
			Path:            base.Config.QueuePath(),
			QueueName:       queueName,
			RecoverInFlight: true,
		})
		if err != nil {
			return nil, fmt.Errorf("open queue: %w", err)
		}
		backend = sqliteBackend
	}

	return tasky.NewQueue(tasky.QueueConfig[Jobs]{
		Jobs:    []tasky.Job[Jobs]{segmentJob, purgeJob},
		Backend: backend,
		OnError: func(err error, task *tasky.Task[Jobs]) error {
			if task == nil {
				base.Logger.Error("[QUEUE] Failed to dequeue", slog.String("error", err.Error()))
				return nil
			}
			base.Logger.Error("[QUEUE] Task failed to complete", slog.String("taskId", task.TaskID), slog.String("jobId", string(task.JobID)), slog.String("error", err.Error()))
			return nil
		},
	})
}

// NewConsumer returns the worker pool that drains the queue.
func (b *BaseServer) NewConsumer() *tasky.Consumer[Jobs] {
	return tasky.NewConsumer(b.TaskQueue, tasky.ConsumerOptions{Workers: b.Config.Queue.Workers})
}

func (b *BaseServer) runSegment(ctx context.Context, task *tasky.Task[Jobs]) error {
	logger := b.Logger.With(slog.String("taskId", task.TaskID), slog.String("jobId", string(task.JobID)))
	payload := schemas.SegmentJob{}
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		logger.Error("Failed to unmarshal payload", slog.String("error", err.Error()))
		return err
	}
	if issues := schemas.SegmentJobSchema.Validate(&payload); len(issues) > 0 {
		return fmt.Errorf("failed to validate payload: %s", z.Issues.FlattenAndCollect(issues))
	}
	logger = logger.With(slog.String("storyTask", payload.TaskID), slog.Int("segment", payload.Segment))

	current, err := b.Store.Get(ctx, payload.TaskID)
	if errors.Is(err, faults.ErrNotFound) {
		logger.Info("Task no longer exists, dropping segment")
		return nil
	}
	if err != nil {
		return err
	}
	if current.Status != taskstore.StatusRunning || current.CurrentSegment != payload.Segment-1 {
		logger.Warn("Segment is no longer admitted, dropping",
			slog.String("status", current.Status.String()),
			slog.Int("currentSegment", current.CurrentSegment),
		)
		return nil
	}

	shape, err := current.Shape()
	if err != nil {
		return err
	}
	def, ok := shape.Segment(payload.Segment)
	if !ok {
		return faults.OutOfOrder("segment %d is outside workflow %s", payload.Segment, shape.Name)
	}
	taskDir, err := b.Resources.TaskDir(current.ID)
	if err != nil {
		return err
	}

	logger.Debug("Executing segment", slog.String("name", def.Name))
	produced, execErr := b.Executor.Execute(ctx, executor.Job{
		TaskID:   current.ID,
		Owner:    current.Owner,
		Workflow: shape.Name,
		Segment:  def,
		Params:   current.Params,
		TaskDir:  taskDir,
	})
	if ctx.Err() != nil {
		// Shutting down. The durable queue hands the segment out again on
		// the next start.
		return ctx.Err()
	}

	b.OnSegmentComplete(ctx, current.ID, payload.Segment, Outcome{Err: execErr, Produced: produced})
	if err := b.purgeIfDeleted(ctx, current.ID, logger); err != nil {
		return err
	}
	if execErr != nil {
		return fmt.Errorf("segment %d of task %s: %w", payload.Segment, current.ID, execErr)
	}
	logger.Debug("Segment finished")
	return nil
}

// purgeIfDeleted removes the files of a task deleted while its segment ran.
// The purge queued by the delete may have finished before the executor's
// last write.
func (b *BaseServer) purgeIfDeleted(ctx context.Context, taskID string, logger *slog.Logger) error {
	_, err := b.Store.Get(ctx, taskID)
	if !errors.Is(err, faults.ErrNotFound) {
		return nil
	}
	if err := b.Resources.PurgeAll(taskID); err != nil {
		logger.Error("Failed to purge resources of deleted task", slog.String("error", err.Error()))
		return err
	}
	logger.Info("Task was deleted during execution, purged its resources")
	return nil
}

func (b *BaseServer) runPurge(ctx context.Context, task *tasky.Task[Jobs]) error {
	logger := b.Logger.With(slog.String("taskId", task.TaskID), slog.String("jobId", string(task.JobID)))
	payload := schemas.PurgeJob{}
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		logger.Error("Failed to unmarshal payload", slog.String("error", err.Error()))
		return err
	}
	if issues := schemas.PurgeJobSchema.Validate(&payload); len(issues) > 0 {
		return fmt.Errorf("failed to validate payload: %s", z.Issues.FlattenAndCollect(issues))
	}
	if err := b.Resources.PurgeAll(payload.TaskID); err != nil {
		logger.Error("Failed to purge task resources", slog.String("storyTask", payload.TaskID), slog.String("error", err.Error()))
		return err
	}
	logger.Debug("Purged task resources", slog.String("storyTask", payload.TaskID))
	return nil
}
