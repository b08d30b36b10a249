package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Oudwins/storyd/internals/tasky"
)

var ErrRetriesExceeded = errors.New("retries exceeded")

type Config struct {
	RetryDelay func(attempts int) time.Duration
	// RetryMax is the number of redeliveries after a Nack. Zero disables
	// retries.
	RetryMax int
}

// Backend is an in-process priority queue. Tasks are lost when the process
// exits.
type Backend[T tasky.JobID] struct {
	mu       sync.Mutex
	pending  priorityQueue[T]
	inFlight map[tasky.TaskID]*queueItem[T]
	signal   chan struct{}
	seq      uint64
	closed   bool
	cfg      Config
}

func New[T tasky.JobID](cfg Config) *Backend[T] {
	backend := &Backend[T]{
		pending:  priorityQueue[T]{},
		inFlight: make(map[tasky.TaskID]*queueItem[T]),
		signal:   make(chan struct{}, 1),
		cfg:      cfg,
	}
	heap.Init(&backend.pending)
	return backend
}

func (b *Backend[T]) Enqueue(ctx context.Context, task *tasky.Task[T], job *tasky.Job[T]) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("queue is closed")
	}

	heap.Push(&b.pending, &queueItem[T]{
		jobID:    task.JobID,
		taskID:   task.TaskID,
		payload:  task.Payload,
		priority: job.Priority,
		seq:      b.nextSeq(),
	})
	b.signalLocked()
	return nil
}

func (b *Backend[T]) Dequeue(ctx context.Context) (T, tasky.TaskID, []byte, error) {
	var zero T
	for {
		if ctx.Err() != nil {
			return zero, "", nil, ctx.Err()
		}

		b.mu.Lock()
		if b.pending.Len() > 0 {
			item := heap.Pop(&b.pending).(*queueItem[T])
			b.inFlight[item.taskID] = item
			if b.pending.Len() > 0 {
				b.signalLocked()
			}
			b.mu.Unlock()
			return item.jobID, item.taskID, item.payload, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, "", nil, ctx.Err()
		case <-b.signal:
		}
	}
}

func (b *Backend[T]) Ack(ctx context.Context, taskID tasky.TaskID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inFlight[taskID]; !ok {
		return fmt.Errorf("unknown task id: %v", taskID)
	}
	delete(b.inFlight, taskID)
	return nil
}

func (b *Backend[T]) Nack(ctx context.Context, taskID tasky.TaskID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	item, ok := b.inFlight[taskID]
	if !ok {
		return fmt.Errorf("unknown task id: %v", taskID)
	}
	delete(b.inFlight, taskID)
	item.attempts++
	if item.attempts > b.cfg.RetryMax {
		return ErrRetriesExceeded
	}
	item.seq = b.nextSeq()

	var delay time.Duration
	if b.cfg.RetryDelay != nil {
		delay = b.cfg.RetryDelay(item.attempts)
	}
	if delay <= 0 {
		heap.Push(&b.pending, item)
		b.signalLocked()
		return nil
	}
	time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		heap.Push(&b.pending, item)
		b.signalLocked()
	})
	return nil
}

// Len reports queued tasks that are not in flight.
func (b *Backend[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Len()
}

func (b *Backend[T]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Backend[T]) signalLocked() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *Backend[T]) nextSeq() uint64 {
	b.seq++
	return b.seq
}

type queueItem[T tasky.JobID] struct {
	jobID    T
	taskID   tasky.TaskID
	payload  []byte
	priority int
	seq      uint64
	attempts int
}

// priorityQueue orders by priority, then FIFO.
type priorityQueue[T tasky.JobID] []*queueItem[T]

func (q priorityQueue[T]) Len() int { return len(q) }

func (q priorityQueue[T]) Less(i, j int) bool {
	if q[i].priority == q[j].priority {
		return q[i].seq < q[j].seq
	}
	return q[i].priority > q[j].priority
}

func (q priorityQueue[T]) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

func (q *priorityQueue[T]) Push(x any) {
	*q = append(*q, x.(*queueItem[T]))
}

func (q *priorityQueue[T]) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
