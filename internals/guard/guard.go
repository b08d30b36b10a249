package guard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Oudwins/storyd/internals/faults"
	"github.com/Oudwins/storyd/internals/taskstore"
)

type Store interface {
	Update(ctx context.Context, id string, fn func(task *taskstore.Task) error) (taskstore.Task, error)
}

type Purger interface {
	Purge(task taskstore.Task, fromSegment int) error
}

type Request struct {
	TaskID  string
	Owner   string
	Segment int
	Redo    bool
}

// Admission authorises exactly one dispatch of Segment.
type Admission struct {
	Task           taskstore.Task
	Segment        int
	Redo           bool
	PreviousStatus taskstore.Status
}

type Guard struct {
	store  Store
	purger Purger
	logger *slog.Logger
}

func New(store Store, purger Purger, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, purger: purger, logger: logger}
}

// Admit validates the request and moves the task to running in a single
// compare-and-set. For a redo the downstream artifacts are purged before
// Admit returns, so nothing can be dispatched against stale files.
func (g *Guard) Admit(ctx context.Context, req Request) (Admission, error) {
	var previous taskstore.Status
	task, err := g.store.Update(ctx, req.TaskID, func(task *taskstore.Task) error {
		previous = task.Status
		if req.Owner != "" && task.Owner != req.Owner {
			return faults.NotFound("task %s not found", req.TaskID)
		}
		if task.Status == taskstore.StatusRunning {
			return faults.Conflict("task %s is already running", task.ID)
		}
		if req.Redo {
			if err := task.ResetFrom(req.Segment); err != nil {
				return faults.OutOfOrder("segment %d has not been completed yet, nothing to redo (current segment %d)", req.Segment, task.CurrentSegment)
			}
		} else if req.Segment != task.CurrentSegment+1 {
			return faults.OutOfOrder("segment %d requested but next segment is %d", req.Segment, task.CurrentSegment+1)
		}
		shape, err := task.Shape()
		if err != nil {
			return err
		}
		if _, ok := shape.Segment(req.Segment); !ok {
			return faults.OutOfOrder("segment %d is outside the %d step workflow", req.Segment, shape.Len())
		}
		task.Status = taskstore.StatusRunning
		task.LastError = ""
		return nil
	})
	if err != nil {
		return Admission{}, err
	}

	admission := Admission{
		Task:           task,
		Segment:        req.Segment,
		Redo:           req.Redo,
		PreviousStatus: previous,
	}

	if req.Redo {
		if err := g.purger.Purge(task, req.Segment); err != nil {
			g.logger.Error("Failed to purge resources for redo",
				slog.String("taskId", task.ID),
				slog.Int("segment", req.Segment),
				slog.String("error", err.Error()),
			)
			if _, markErr := g.store.Update(ctx, task.ID, func(t *taskstore.Task) error {
				t.Status = taskstore.StatusFailed
				t.LastError = "purge failed: " + err.Error()
				return nil
			}); markErr != nil {
				g.logger.Error("Failed to mark task failed after purge error", slog.String("taskId", task.ID), slog.String("error", markErr.Error()))
			}
			return Admission{}, fmt.Errorf("purge resources of task %s: %w", task.ID, err)
		}
	}

	g.logger.Debug("Admitted segment",
		slog.String("taskId", task.ID),
		slog.Int("segment", req.Segment),
		slog.Bool("redo", req.Redo),
	)
	return admission, nil
}

// Release undoes an admission whose work could not be dispatched. A redo
// cannot be restored since its artifacts are gone, so it falls back to
// pending with the task rewound.
func (g *Guard) Release(ctx context.Context, admission Admission, reason string) error {
	_, err := g.store.Update(ctx, admission.Task.ID, func(task *taskstore.Task) error {
		if task.Status != taskstore.StatusRunning || task.Revision != admission.Task.Revision {
			return faults.Conflict("task %s changed since admission", task.ID)
		}
		task.Status = admission.PreviousStatus
		if admission.Redo {
			task.Status = taskstore.StatusPending
		}
		task.LastError = reason
		return nil
	})
	return err
}
