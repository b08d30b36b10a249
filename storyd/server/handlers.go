package server

import (
	"encoding/json"
	"mime"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	z "github.com/Oudwins/zog"
	"github.com/go-chi/chi/v5"

	"github.com/Oudwins/storyd/internals/schemas"
	"github.com/Oudwins/storyd/internals/workflow"
)

func (s *Server) HandlerVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.Base.Config.Version))
}

func (s *Server) HandlerWorkflows(w http.ResponseWriter, r *http.Request) {
	RenderJSON(w, r, schemas.WorkflowsResponse{Workflows: workflow.All()})
}

func (s *Server) HandlerCreateTask(w http.ResponseWriter, r *http.Request) {
	var request schemas.TaskCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		RenderJSON(w, r, JsonResponseError(JsonResponseErrorCodeInvalidJson, "Invalid JSON", nil), Render.Status(http.StatusBadRequest))
		return
	}
	if issues := schemas.TaskCreateSchema.Validate(&request); len(issues) > 0 {
		RenderJSON(w, r, JsonResponseError(JsonResponseErrorCodeValidationFailed, "Schema validation failed", z.Issues.Flatten(issues)), Render.Status(http.StatusBadRequest))
		return
	}

	task, err := s.Base.CreateTask(r.Context(), OwnerFrom(r.Context()), request)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	RenderJSON(w, r, schemas.TaskCreateResponse{TaskID: task.ID}, Render.Status(http.StatusCreated))
}

func (s *Server) HandlerListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.Base.Store.ListByOwner(r.Context(), OwnerFrom(r.Context()))
	if err != nil {
		RenderError(w, r, err)
		return
	}
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	RenderJSON(w, r, schemas.TaskListResponse{TaskIDs: ids})
}

func (s *Server) HandlerProgress(w http.ResponseWriter, r *http.Request) {
	task, err := s.Base.GetTask(r.Context(), OwnerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		RenderError(w, r, err)
		return
	}
	shape, err := task.Shape()
	if err != nil {
		RenderError(w, r, err)
		return
	}
	RenderJSON(w, r, schemas.ProgressResponse{
		TaskID:         task.ID,
		Workflow:       shape.Name,
		CurrentSegment: task.CurrentSegment,
		Status:         task.Status.String(),
		TotalSegments:  shape.Len(),
		SegmentNames:   shape.SegmentNames(),
		Error:          task.LastError,
	})
}

func (s *Server) HandlerExecute(w http.ResponseWriter, r *http.Request) {
	segment, err := strconv.Atoi(chi.URLParam(r, "segment"))
	if err != nil {
		RenderJSON(w, r, JsonResponseError(JsonResponseErrorCodeValidationFailed, "segment must be an integer", nil), Render.Status(http.StatusBadRequest))
		return
	}
	redo := false
	if raw := r.URL.Query().Get("redo"); raw != "" {
		redo, err = strconv.ParseBool(raw)
		if err != nil {
			RenderJSON(w, r, JsonResponseError(JsonResponseErrorCodeValidationFailed, "redo must be a boolean", nil), Render.Status(http.StatusBadRequest))
			return
		}
	}

	jobID, err := s.Base.ExecuteSegment(r.Context(), OwnerFrom(r.Context()), chi.URLParam(r, "id"), segment, redo)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	RenderJSON(w, r, schemas.ExecuteResponse{
		Accepted: true,
		JobID:    jobID,
		Message:  schemas.ExecuteQueuedMessage,
	}, Render.Status(http.StatusAccepted))
}

func (s *Server) HandlerListResources(w http.ResponseWriter, r *http.Request) {
	segment, err := strconv.Atoi(r.URL.Query().Get("segmentId"))
	if err != nil || segment < 1 {
		RenderJSON(w, r, JsonResponseError(JsonResponseErrorCodeValidationFailed, "segmentId must be a positive integer", nil), Render.Status(http.StatusBadRequest))
		return
	}
	task, err := s.Base.GetTask(r.Context(), OwnerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		RenderError(w, r, err)
		return
	}
	if segment > task.CurrentSegment {
		RenderJSON(w, r, JsonResponseError(JsonResponseErrorCodeSegmentNotReady, "Segment "+strconv.Itoa(segment)+" has not been completed yet", nil), Render.Status(http.StatusBadRequest))
		return
	}
	urls, err := s.Base.Resources.List(task, segment)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	RenderJSON(w, r, schemas.ResourceListResponse{SegmentID: segment, URLs: urls})
}

func (s *Server) HandlerDownload(w http.ResponseWriter, r *http.Request) {
	relative := r.URL.Query().Get("url")
	resolved, err := s.Base.Resources.ResolveForDownload(r.Context(), OwnerFrom(r.Context()), relative)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	file, err := os.Open(resolved)
	if err != nil {
		RenderError(w, r, err)
		return
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		RenderError(w, r, err)
		return
	}
	name := path.Base(strings.ReplaceAll(relative, `\`, "/"))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), file)
}

func (s *Server) HandlerDeleteTask(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.Base.DeleteTask(r.Context(), OwnerFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		RenderError(w, r, err)
		return
	}
	RenderJSON(w, r, schemas.DeleteResponse{Deleted: true, JobID: jobID})
}
