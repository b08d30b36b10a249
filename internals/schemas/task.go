package schemas

import (
	z "github.com/Oudwins/zog"

	"github.com/Oudwins/storyd/internals/notify"
	"github.com/Oudwins/storyd/internals/workflow"
)

type TaskCreateRequest struct {
	Topic    string `json:"topic" zog:"topic"`
	MainRole string `json:"main_role,omitempty" zog:"main_role"`
	Scene    string `json:"scene,omitempty" zog:"scene"`
	Workflow string `json:"workflow,omitempty" zog:"workflow"`
}

var TaskCreateSchema = z.Struct(z.Shape{
	"Topic":    z.String().Trim().Required(z.Message("topic is required")).Max(2000),
	"MainRole": z.String().Optional().Trim().Max(200),
	"Scene":    z.String().Optional().Trim().Max(2000),
	"Workflow": z.String().Trim().Default(workflow.ShapeStory).OneOf(workflow.Names()),
})

type TaskCreateResponse struct {
	TaskID string `json:"task_id"`
}

type TaskListResponse struct {
	TaskIDs []string `json:"task_ids"`
}

type ProgressResponse struct {
	TaskID         string   `json:"task_id"`
	Workflow       string   `json:"workflow"`
	CurrentSegment int      `json:"current_segment"`
	Status         string   `json:"status"`
	TotalSegments  int      `json:"total_segments"`
	SegmentNames   []string `json:"segment_names"`
	Error          string   `json:"error,omitempty"`
}

type ExecuteResponse struct {
	Accepted bool   `json:"accepted"`
	JobID    string `json:"job_id"`
	Message  string `json:"message"`
}

const ExecuteQueuedMessage = "Execution queued"

type ResourceListResponse struct {
	SegmentID int      `json:"segmentId"`
	URLs      []string `json:"urls"`
}

type DeleteResponse struct {
	Deleted bool   `json:"deleted"`
	JobID   string `json:"job_id,omitempty"`
}

type WorkflowsResponse struct {
	Workflows []workflow.Shape `json:"workflows"`
}

// Event is the server push message of the notification gateway.
type Event = notify.Event

const (
	MessagePing = "ping"
	MessagePong = "pong"
)

// ClientMessage is what a gateway client may send.
type ClientMessage struct {
	Type string `json:"type"`
}
