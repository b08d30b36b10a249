package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Oudwins/storyd/internals/faults"
	"github.com/Oudwins/storyd/internals/taskstore"
	"github.com/Oudwins/storyd/internals/workflow"
)

// Job is one segment run against a task directory.
type Job struct {
	TaskID   string
	Owner    string
	Workflow string
	Segment  workflow.SegmentDefinition
	Params   taskstore.Params
	TaskDir  string
}

// Executor produces the artifacts of one segment inside Job.TaskDir. It
// returns the files it wrote, relative to the task directory, when it knows
// them.
type Executor interface {
	Execute(ctx context.Context, job Job) ([]string, error)
}

type Func func(ctx context.Context, job Job) ([]string, error)

func (f Func) Execute(ctx context.Context, job Job) ([]string, error) {
	return f(ctx, job)
}

const TimeoutMessage = "segment execution timed out"

// Failure marks err as an execution failure, keeping its message.
func Failure(format string, args ...any) error {
	return faults.New(faults.KindExecutionFailure, format, args...)
}

type timeoutExecutor struct {
	next    Executor
	timeout time.Duration
}

// WithTimeout bounds every execution. An execution still running at the
// deadline fails with TimeoutMessage.
func WithTimeout(next Executor, timeout time.Duration) Executor {
	if timeout <= 0 {
		return next
	}
	return &timeoutExecutor{next: next, timeout: timeout}
}

func (e *timeoutExecutor) Execute(ctx context.Context, job Job) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		files []string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		files, err := e.next.Execute(ctx, job)
		done <- result{files: files, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, Failure(TimeoutMessage)
		}
		return res.files, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, Failure(TimeoutMessage)
		}
		return nil, fmt.Errorf("segment %d of task %s: %w", job.Segment.Ordinal, job.TaskID, ctx.Err())
	}
}
