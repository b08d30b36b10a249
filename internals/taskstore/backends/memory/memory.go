package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Oudwins/storyd/internals/faults"
	"github.com/Oudwins/storyd/internals/taskstore"
)

type Backend struct {
	mu    sync.Mutex
	tasks map[string]taskstore.Task
}

func New() *Backend {
	return &Backend{
		tasks: make(map[string]taskstore.Task),
	}
}

func (b *Backend) Insert(ctx context.Context, task taskstore.Task) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.tasks[task.ID]; exists {
		return fmt.Errorf("duplicate task id: %s", task.ID)
	}
	b.tasks[task.ID] = task
	return nil
}

func (b *Backend) Load(ctx context.Context, id string) (taskstore.Task, error) {
	if ctx.Err() != nil {
		return taskstore.Task{}, ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[id]
	if !ok {
		return taskstore.Task{}, faults.NotFound("task %s not found", id)
	}
	return task, nil
}

func (b *Backend) LoadByOwner(ctx context.Context, owner string) ([]taskstore.Task, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	b.mu.Lock()
	tasks := make([]taskstore.Task, 0)
	for _, task := range b.tasks {
		if task.Owner == owner {
			tasks = append(tasks, task)
		}
	}
	b.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID > tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (b *Backend) Swap(ctx context.Context, next taskstore.Task, expectedRevision int64) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.tasks[next.ID]
	if !ok {
		return false, faults.NotFound("task %s not found", next.ID)
	}
	if current.Revision != expectedRevision {
		return false, nil
	}
	b.tasks[next.ID] = next
	return true, nil
}

func (b *Backend) Close() error {
	return nil
}
