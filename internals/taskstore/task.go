package taskstore

import (
	"time"

	"github.com/Oudwins/storyd/internals/faults"
	"github.com/Oudwins/storyd/internals/workflow"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDeleted   Status = "deleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusDeleted:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// Params are forwarded to the executor untouched.
type Params struct {
	Topic    string `json:"topic"`
	MainRole string `json:"main_role,omitempty"`
	Scene    string `json:"scene,omitempty"`
}

type Task struct {
	ID             string
	Owner          string
	Workflow       string
	CurrentSegment int
	Status         Status
	Params         Params
	LastError      string
	Revision       int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (t Task) Shape() (workflow.Shape, error) {
	return workflow.Lookup(t.Workflow)
}

// Advance records a successful execution of segment.
func (t *Task) Advance(segment int) error {
	if t.Status != StatusRunning {
		return faults.Conflict("task %s is %s, not running", t.ID, t.Status)
	}
	if segment != t.CurrentSegment+1 {
		return faults.OutOfOrder("task %s completed segment %d but current segment is %d", t.ID, segment, t.CurrentSegment)
	}
	shape, err := t.Shape()
	if err != nil {
		return err
	}
	t.CurrentSegment = segment
	t.LastError = ""
	if segment >= shape.Len() {
		t.Status = StatusCompleted
	} else {
		t.Status = StatusPending
	}
	return nil
}

// ResetFrom rewinds the task so that segment is the next one to run.
func (t *Task) ResetFrom(segment int) error {
	if segment < 1 || segment > t.CurrentSegment {
		return faults.OutOfOrder("task %s cannot reset from segment %d, current segment is %d", t.ID, segment, t.CurrentSegment)
	}
	t.CurrentSegment = segment - 1
	return nil
}

func (t *Task) Fail(segment int, message string) error {
	if t.Status != StatusRunning {
		return faults.Conflict("task %s is %s, not running", t.ID, t.Status)
	}
	if segment != t.CurrentSegment+1 {
		return faults.OutOfOrder("task %s failed segment %d but current segment is %d", t.ID, segment, t.CurrentSegment)
	}
	t.Status = StatusFailed
	t.LastError = message
	return nil
}
