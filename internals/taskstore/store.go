package taskstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Oudwins/storyd/internals/faults"
)

// Backend persists task rows. Swap must write next only if the stored
// revision still equals expectedRevision.
type Backend interface {
	Insert(ctx context.Context, task Task) error
	Load(ctx context.Context, id string) (Task, error)
	LoadByOwner(ctx context.Context, owner string) ([]Task, error)
	Swap(ctx context.Context, next Task, expectedRevision int64) (bool, error)
	Close() error
}

const maxUpdateAttempts = 16

var errStatusMismatch = errors.New("status mismatch")

type Store struct {
	backend Backend
	now     func() time.Time
}

func New(backend Backend) *Store {
	return &Store{
		backend: backend,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) Create(ctx context.Context, task Task) (Task, error) {
	if task.ID == "" {
		return Task{}, errors.New("task id is required")
	}
	if task.Owner == "" {
		return Task{}, errors.New("task owner is required")
	}
	if _, err := task.Shape(); err != nil {
		return Task{}, err
	}
	now := s.now()
	task.Status = StatusPending
	task.CurrentSegment = 0
	task.Revision = 1
	task.CreatedAt = now
	task.UpdatedAt = now
	if err := s.backend.Insert(ctx, task); err != nil {
		return Task{}, fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return task, nil
}

func (s *Store) Get(ctx context.Context, id string) (Task, error) {
	task, err := s.backend.Load(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if task.Status == StatusDeleted {
		return Task{}, faults.NotFound("task %s not found", id)
	}
	return task, nil
}

func (s *Store) ListByOwner(ctx context.Context, owner string) ([]Task, error) {
	tasks, err := s.backend.LoadByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	live := tasks[:0]
	for _, task := range tasks {
		if task.Status != StatusDeleted {
			live = append(live, task)
		}
	}
	return live, nil
}

// Update applies fn to the latest version of the task and persists the
// result with a compare-and-set on the revision, retrying on contention.
// Returning an error from fn aborts without writing.
func (s *Store) Update(ctx context.Context, id string, fn func(task *Task) error) (Task, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Task{}, err
		}
		current, err := s.Get(ctx, id)
		if err != nil {
			return Task{}, err
		}
		next := current
		if err := fn(&next); err != nil {
			return Task{}, err
		}
		next.ID = current.ID
		next.Owner = current.Owner
		next.CreatedAt = current.CreatedAt
		next.Revision = current.Revision + 1
		next.UpdatedAt = s.now()

		swapped, err := s.backend.Swap(ctx, next, current.Revision)
		if err != nil {
			return Task{}, fmt.Errorf("update task %s: %w", id, err)
		}
		if swapped {
			return next, nil
		}
	}
	return Task{}, faults.Conflict("task %s is being modified concurrently", id)
}

func (s *Store) CompareAndSetStatus(ctx context.Context, id string, expected Status, next Status) (bool, error) {
	_, err := s.Update(ctx, id, func(task *Task) error {
		if task.Status != expected {
			return errStatusMismatch
		}
		task.Status = next
		return nil
	})
	if errors.Is(err, errStatusMismatch) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Advance(ctx context.Context, id string, completedSegment int) (Task, error) {
	return s.Update(ctx, id, func(task *Task) error {
		return task.Advance(completedSegment)
	})
}

func (s *Store) ResetFrom(ctx context.Context, id string, segment int) (Task, error) {
	return s.Update(ctx, id, func(task *Task) error {
		return task.ResetFrom(segment)
	})
}

func (s *Store) MarkFailed(ctx context.Context, id string, segment int, message string) (Task, error) {
	return s.Update(ctx, id, func(task *Task) error {
		return task.Fail(segment, message)
	})
}

func (s *Store) MarkDeleted(ctx context.Context, id string) error {
	_, err := s.Update(ctx, id, func(task *Task) error {
		task.Status = StatusDeleted
		return nil
	})
	return err
}
