package tasky

import (
	"context"
	"time"
)

type JobID interface {
	~string
}

type TaskID = string

type Job[T JobID] struct {
	ID       T
	Priority int
	Run      func(ctx context.Context, task *Task[T]) error
}

type JobConfig[T JobID] struct {
	// Higher priorities are dequeued first.
	Priority int
	Run      func(ctx context.Context, task *Task[T]) error
}

func NewJob[T JobID](id T, cfg JobConfig[T]) Job[T] {
	return Job[T]{ID: id, Priority: cfg.Priority, Run: cfg.Run}
}

type Task[T JobID] struct {
	JobID   T
	TaskID  TaskID
	Payload []byte
}

func NewTask[T JobID](jobID T, payload []byte) *Task[T] {
	return &Task[T]{JobID: jobID, Payload: payload}
}

type TaskIDGenerator interface {
	Next() (TaskID, error)
}

// OnErrorHandler observes job and backend failures. Returning an error stops
// the consumer.
type OnErrorHandler[T JobID] func(err error, task *Task[T]) error

type QueueConfig[T JobID] struct {
	Jobs      []Job[T]
	Backend   Backend[T]
	TaskIDGen TaskIDGenerator
	OnError   OnErrorHandler[T]
	// DequeueBackoff spaces out retries after the backend fails to dequeue.
	DequeueBackoff func(attempts int) time.Duration
}

type Backend[T JobID] interface {
	Enqueue(ctx context.Context, task *Task[T], job *Job[T]) error
	Dequeue(ctx context.Context) (jobID T, taskID TaskID, payload []byte, err error)
	Ack(ctx context.Context, taskID TaskID) error
	Nack(ctx context.Context, taskID TaskID) error
	Close() error
}
