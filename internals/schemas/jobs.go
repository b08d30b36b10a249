package schemas

import (
	z "github.com/Oudwins/zog"
)

// SegmentJob is the queue payload of one admitted segment execution.
type SegmentJob struct {
	TaskID   string `json:"task_id" zog:"task_id"`
	Owner    string `json:"owner" zog:"owner"`
	Workflow string `json:"workflow" zog:"workflow"`
	Segment  int    `json:"segment" zog:"segment"`
	Redo     bool   `json:"redo,omitempty" zog:"redo"`
}

var SegmentJobSchema = z.Struct(z.Shape{
	"TaskID":   z.String().Required().Trim(),
	"Owner":    z.String().Required(),
	"Workflow": z.String().Required(),
	"Segment":  z.Int().Required().GTE(1),
	"Redo":     z.Bool().Optional(),
})

// PurgeJob removes the generated files of a deleted task.
type PurgeJob struct {
	TaskID string `json:"task_id" zog:"task_id"`
}

var PurgeJobSchema = z.Struct(z.Shape{
	"TaskID": z.String().Required().Trim(),
})
