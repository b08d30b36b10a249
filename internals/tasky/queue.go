package tasky

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Oudwins/storyd/internals/tasky/generators/simple"
)

type Queue[T JobID] struct {
	jobs           map[T]Job[T]
	backend        Backend[T]
	taskIDGen      TaskIDGenerator
	onError        OnErrorHandler[T]
	dequeueBackoff func(attempts int) time.Duration
}

type ConsumerOptions struct {
	Workers int
}

type Consumer[T JobID] struct {
	queue   *Queue[T]
	options ConsumerOptions
}

func NewQueue[T JobID](cfg QueueConfig[T]) (*Queue[T], error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend is required")
	}

	jobs := make(map[T]Job[T], len(cfg.Jobs))
	for _, job := range cfg.Jobs {
		if _, exists := jobs[job.ID]; exists {
			return nil, fmt.Errorf("duplicate job id: %v", job.ID)
		}
		if job.Run == nil {
			return nil, fmt.Errorf("job %v has nil Run handler", job.ID)
		}
		jobs[job.ID] = job
	}

	taskIDGen := cfg.TaskIDGen
	if taskIDGen == nil {
		taskIDGen = simple.New()
	}
	dequeueBackoff := cfg.DequeueBackoff
	if dequeueBackoff == nil {
		dequeueBackoff = BackoffExponential(BackoffConfig{Base: 50 * time.Millisecond, Max: 5 * time.Second})
	}

	return &Queue[T]{
		jobs:           jobs,
		backend:        cfg.Backend,
		taskIDGen:      taskIDGen,
		onError:        cfg.OnError,
		dequeueBackoff: dequeueBackoff,
	}, nil
}

// Enqueue hands the task to the backend and returns its id. A task without
// an id gets one from the generator.
func (q *Queue[T]) Enqueue(ctx context.Context, task *Task[T]) (TaskID, error) {
	if task == nil {
		return "", errors.New("task is nil")
	}
	job, exists := q.jobs[task.JobID]
	if !exists {
		return "", fmt.Errorf("unknown job id: %v", task.JobID)
	}

	if task.TaskID == "" {
		taskID, err := q.taskIDGen.Next()
		if err != nil {
			return "", fmt.Errorf("generate task id: %w", err)
		}
		task.TaskID = taskID
	}

	if err := q.backend.Enqueue(ctx, task, &job); err != nil {
		return "", err
	}
	return task.TaskID, nil
}

func (q *Queue[T]) Close() error {
	return q.backend.Close()
}

func NewConsumer[T JobID](queue *Queue[T], options ConsumerOptions) *Consumer[T] {
	if options.Workers <= 0 {
		options.Workers = 1
	}
	return &Consumer[T]{
		queue:   queue,
		options: options,
	}
}

// Run processes tasks with the configured number of workers until ctx is
// cancelled or the OnError handler returns an error.
func (c *Consumer[T]) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var runErr error
	var once sync.Once
	reportError := func(err error, task *Task[T]) {
		if err == nil || c.queue.onError == nil {
			return
		}
		if onErr := c.queue.onError(err, task); onErr != nil {
			once.Do(func() {
				runErr = onErr
				cancel()
			})
		}
	}

	var wg sync.WaitGroup
	wg.Add(c.options.Workers)
	for i := 0; i < c.options.Workers; i++ {
		go func() {
			defer wg.Done()
			c.work(ctx, reportError)
		}()
	}
	wg.Wait()

	return runErr
}

func (c *Consumer[T]) work(ctx context.Context, reportError func(error, *Task[T])) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		jobID, taskID, payload, err := c.queue.backend.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			failures++
			reportError(fmt.Errorf("dequeue: %w", err), nil)
			if !sleep(ctx, c.queue.dequeueBackoff(failures)) {
				return
			}
			continue
		}
		failures = 0

		task := &Task[T]{JobID: jobID, TaskID: taskID, Payload: payload}
		job, ok := c.queue.jobs[jobID]
		if !ok {
			reportError(fmt.Errorf("unknown job id: %v", jobID), task)
			if ackErr := c.queue.backend.Ack(ctx, taskID); ackErr != nil {
				reportError(ackErr, task)
			}
			continue
		}

		if err := job.Run(ctx, task); err != nil {
			reportError(err, task)
			if nackErr := c.queue.backend.Nack(ctx, taskID); nackErr != nil {
				reportError(nackErr, task)
			}
			continue
		}

		if err := c.queue.backend.Ack(ctx, taskID); err != nil {
			reportError(err, task)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
