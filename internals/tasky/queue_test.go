package tasky

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type dequeued struct {
	jobID   string
	taskID  TaskID
	payload []byte
	err     error
}

type stubBackend struct {
	enqueue func(ctx context.Context, task *Task[string], job *Job[string]) error
	dequeue func(ctx context.Context) (string, TaskID, []byte, error)
	ack     func(ctx context.Context, taskID TaskID) error
	nack    func(ctx context.Context, taskID TaskID) error
}

func (b *stubBackend) Enqueue(ctx context.Context, task *Task[string], job *Job[string]) error {
	if b.enqueue != nil {
		return b.enqueue(ctx, task, job)
	}
	return nil
}

func (b *stubBackend) Dequeue(ctx context.Context) (string, TaskID, []byte, error) {
	if b.dequeue != nil {
		return b.dequeue(ctx)
	}
	return "", "", nil, context.Canceled
}

func (b *stubBackend) Ack(ctx context.Context, taskID TaskID) error {
	if b.ack != nil {
		return b.ack(ctx, taskID)
	}
	return nil
}

func (b *stubBackend) Nack(ctx context.Context, taskID TaskID) error {
	if b.nack != nil {
		return b.nack(ctx, taskID)
	}
	return nil
}

func (b *stubBackend) Close() error { return nil }

type fixedIDs []TaskID

func (f *fixedIDs) Next() (TaskID, error) {
	if len(*f) == 0 {
		return "", errors.New("exhausted")
	}
	id := (*f)[0]
	*f = (*f)[1:]
	return id, nil
}

func noop(ctx context.Context, task *Task[string]) error { return nil }

func TestNewQueueValidation(t *testing.T) {
	_, err := NewQueue(QueueConfig[string]{})
	if err == nil {
		t.Fatal("expected error for nil backend")
	}

	backend := &stubBackend{}
	_, err = NewQueue(QueueConfig[string]{
		Backend: backend,
		Jobs: []Job[string]{
			NewJob("alpha", JobConfig[string]{Run: noop}),
			NewJob("alpha", JobConfig[string]{Run: noop}),
		},
	})
	if err == nil {
		t.Fatal("expected error for duplicate job id")
	}

	_, err = NewQueue(QueueConfig[string]{
		Backend: backend,
		Jobs:    []Job[string]{NewJob("beta", JobConfig[string]{})},
	})
	if err == nil {
		t.Fatal("expected error for nil Run handler")
	}
}

func TestEnqueueUnknownJob(t *testing.T) {
	queue, err := NewQueue(QueueConfig[string]{
		Backend: &stubBackend{},
		Jobs:    []Job[string]{NewJob("alpha", JobConfig[string]{Run: noop})},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := queue.Enqueue(context.Background(), NewTask("missing", nil)); err == nil {
		t.Fatal("expected error for unknown job id")
	}
	if _, err := queue.Enqueue(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil task")
	}
}

func TestEnqueueGeneratesTaskIDAndPassesJob(t *testing.T) {
	var gotTask *Task[string]
	var gotJob *Job[string]
	backend := &stubBackend{
		enqueue: func(ctx context.Context, task *Task[string], job *Job[string]) error {
			gotTask = task
			gotJob = job
			return nil
		},
	}
	ids := fixedIDs{"gen-1"}
	queue, err := NewQueue(QueueConfig[string]{
		Backend:   backend,
		Jobs:      []Job[string]{NewJob("alpha", JobConfig[string]{Priority: 7, Run: noop})},
		TaskIDGen: &ids,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	taskID, err := queue.Enqueue(context.Background(), NewTask("alpha", []byte("payload")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if taskID != "gen-1" || gotTask.TaskID != "gen-1" {
		t.Fatalf("expected task id gen-1, got %v / %v", taskID, gotTask.TaskID)
	}
	if gotJob.Priority != 7 {
		t.Fatalf("expected priority 7, got %d", gotJob.Priority)
	}

	explicit := NewTask("alpha", nil)
	explicit.TaskID = "mine"
	taskID, err = queue.Enqueue(context.Background(), explicit)
	if err != nil || taskID != "mine" {
		t.Fatalf("expected explicit id to be kept, got %v %v", taskID, err)
	}
}

func TestEnqueueGeneratorFailure(t *testing.T) {
	ids := fixedIDs{}
	queue, err := NewQueue(QueueConfig[string]{
		Backend:   &stubBackend{},
		Jobs:      []Job[string]{NewJob("alpha", JobConfig[string]{Run: noop})},
		TaskIDGen: &ids,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := queue.Enqueue(context.Background(), NewTask("alpha", nil)); err == nil {
		t.Fatal("expected generator error")
	}
}

func TestConsumerRunAckNack(t *testing.T) {
	dequeueCh := make(chan dequeued)
	ackCh := make(chan TaskID, 1)
	nackCh := make(chan TaskID, 1)

	backend := &stubBackend{
		dequeue: func(ctx context.Context) (string, TaskID, []byte, error) {
			select {
			case <-ctx.Done():
				return "", "", nil, ctx.Err()
			case item := <-dequeueCh:
				return item.jobID, item.taskID, item.payload, item.err
			}
		},
		ack: func(ctx context.Context, taskID TaskID) error {
			ackCh <- taskID
			return nil
		},
		nack: func(ctx context.Context, taskID TaskID) error {
			nackCh <- taskID
			return nil
		},
	}

	var seenPayload atomic.Value
	queue, err := NewQueue(QueueConfig[string]{
		Backend: backend,
		Jobs: []Job[string]{
			NewJob("ok", JobConfig[string]{Run: func(ctx context.Context, task *Task[string]) error {
				seenPayload.Store(string(task.Payload))
				return nil
			}}),
			NewJob("fail", JobConfig[string]{Run: func(ctx context.Context, task *Task[string]) error { return errors.New("boom") }}),
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := NewConsumer(queue, ConsumerOptions{Workers: 1})
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx)
	}()

	dequeueCh <- dequeued{jobID: "ok", taskID: "t1", payload: []byte("ok")}
	select {
	case got := <-ackCh:
		if got != "t1" {
			t.Fatalf("expected ack for t1, got %v", got)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for ack")
	}
	if seenPayload.Load() != "ok" {
		t.Fatalf("expected job to see payload, got %v", seenPayload.Load())
	}

	dequeueCh <- dequeued{jobID: "fail", taskID: "t2", payload: []byte("bad")}
	select {
	case got := <-nackCh:
		if got != "t2" {
			t.Fatalf("expected nack for t2, got %v", got)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for nack")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for consumer shutdown")
	}
}

func TestConsumerAcksUnknownJob(t *testing.T) {
	acked := make(chan TaskID, 1)
	var calls atomic.Int32
	backend := &stubBackend{
		dequeue: func(ctx context.Context) (string, TaskID, []byte, error) {
			if calls.Add(1) == 1 {
				return "ghost", "t1", nil, nil
			}
			<-ctx.Done()
			return "", "", nil, ctx.Err()
		},
		ack: func(ctx context.Context, taskID TaskID) error {
			acked <- taskID
			return nil
		},
	}
	queue, err := NewQueue(QueueConfig[string]{
		Backend: backend,
		Jobs:    []Job[string]{NewJob("ok", JobConfig[string]{Run: noop})},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = NewConsumer(queue, ConsumerOptions{}).Run(ctx) }()

	select {
	case got := <-acked:
		if got != "t1" {
			t.Fatalf("expected ack for t1, got %v", got)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for ack of unknown job")
	}
}

func TestConsumerOnErrorStops(t *testing.T) {
	backend := &stubBackend{
		dequeue: func(ctx context.Context) (string, TaskID, []byte, error) {
			return "fail", "t1", []byte("payload"), nil
		},
	}

	stopErr := errors.New("stop")
	queue, err := NewQueue(QueueConfig[string]{
		Backend: backend,
		Jobs: []Job[string]{
			NewJob("fail", JobConfig[string]{Run: func(ctx context.Context, task *Task[string]) error { return errors.New("boom") }}),
		},
		OnError: func(err error, task *Task[string]) error {
			return stopErr
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	consumer := NewConsumer(queue, ConsumerOptions{Workers: 2})
	if err := consumer.Run(context.Background()); !errors.Is(err, stopErr) {
		t.Fatalf("expected stop error, got %v", err)
	}
}

func TestConsumerBacksOffAfterDequeueErrors(t *testing.T) {
	var calls atomic.Int32
	var reported atomic.Int32
	backend := &stubBackend{
		dequeue: func(ctx context.Context) (string, TaskID, []byte, error) {
			if calls.Add(1) <= 3 {
				return "", "", nil, errors.New("database is locked")
			}
			<-ctx.Done()
			return "", "", nil, ctx.Err()
		},
	}
	queue, err := NewQueue(QueueConfig[string]{
		Backend: backend,
		Jobs:    []Job[string]{NewJob("ok", JobConfig[string]{Run: noop})},
		OnError: func(err error, task *Task[string]) error {
			if task != nil {
				t.Errorf("expected no task for dequeue errors, got %+v", task)
			}
			reported.Add(1)
			return nil
		},
		DequeueBackoff: func(attempts int) time.Duration { return time.Millisecond },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := NewConsumer(queue, ConsumerOptions{}).Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reported.Load() != 3 {
		t.Fatalf("expected 3 reported dequeue errors, got %d", reported.Load())
	}
}

func TestConsumerDefaultsWorkers(t *testing.T) {
	var calls atomic.Int32
	backend := &stubBackend{
		dequeue: func(ctx context.Context) (string, TaskID, []byte, error) {
			calls.Add(1)
			return "", "", nil, context.Canceled
		},
	}
	queue, err := NewQueue(QueueConfig[string]{
		Backend: backend,
		Jobs:    []Job[string]{NewJob("ok", JobConfig[string]{Run: noop})},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	consumer := NewConsumer(queue, ConsumerOptions{})
	_ = consumer.Run(context.Background())
	if calls.Load() != 1 {
		t.Fatalf("expected 1 dequeue call, got %d", calls.Load())
	}
}

func TestEnqueueConcurrentSafety(t *testing.T) {
	var mu sync.Mutex
	seen := map[TaskID]struct{}{}
	backend := &stubBackend{
		enqueue: func(ctx context.Context, task *Task[string], job *Job[string]) error {
			mu.Lock()
			seen[task.TaskID] = struct{}{}
			mu.Unlock()
			return nil
		},
	}

	queue, err := NewQueue(QueueConfig[string]{
		Backend: backend,
		Jobs:    []Job[string]{NewJob("alpha", JobConfig[string]{Run: noop})},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = queue.Enqueue(context.Background(), NewTask("alpha", []byte("data")))
		}()
	}
	wt := make(chan struct{})
	go func() {
		wg.Wait()
		close(wt)
	}()
	select {
	case <-wt:
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for concurrent enqueue")
	}
	if len(seen) != 10 {
		t.Fatalf("expected 10 distinct task ids, got %d", len(seen))
	}
}
