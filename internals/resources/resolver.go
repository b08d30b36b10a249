package resources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Oudwins/storyd/internals/faults"
	"github.com/Oudwins/storyd/internals/taskstore"
	"github.com/Oudwins/storyd/internals/workflow"
)

type TaskGetter interface {
	Get(ctx context.Context, id string) (taskstore.Task, error)
}

// Resolver maps task segments to files under <root>/<task_id>. It never
// writes artifact content.
type Resolver struct {
	root   string
	tasks  TaskGetter
	logger *slog.Logger
}

func New(root string, tasks TaskGetter, logger *slog.Logger) (*Resolver, error) {
	if root == "" {
		return nil, errors.New("resource root is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &Resolver{root: resolved, tasks: tasks, logger: logger}, nil
}

func (r *Resolver) Root() string {
	return r.root
}

func (r *Resolver) TaskDir(taskID string) (string, error) {
	if !validTaskID(taskID) {
		return "", faults.PathViolation("invalid task id %q", taskID)
	}
	return filepath.Join(r.root, taskID), nil
}

// Prepare creates the task directory layout the executors write into.
func (r *Resolver) Prepare(taskID string) error {
	dir, err := r.TaskDir(taskID)
	if err != nil {
		return err
	}
	for _, sub := range []string{ImageDir, SpeechDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("prepare task dir: %w", err)
		}
	}
	return nil
}

// List returns the artifacts of a completed segment as <task_id>/<path>,
// slash separated. Segments beyond the task's current segment yield an
// empty list.
func (r *Resolver) List(task taskstore.Task, segment int) ([]string, error) {
	if segment < 1 || segment > task.CurrentSegment {
		return []string{}, nil
	}
	shape, err := task.Shape()
	if err != nil {
		return nil, err
	}
	def, ok := shape.Segment(segment)
	if !ok {
		return []string{}, nil
	}
	taskDir, err := r.TaskDir(task.ID)
	if err != nil {
		return nil, err
	}
	discovery, err := ruleFor(def.Artifact)
	if err != nil {
		return nil, err
	}
	candidates, err := discovery.discover(taskDir)
	if err != nil {
		return nil, fmt.Errorf("discover %s artifacts of task %s: %w", def.Artifact, task.ID, err)
	}

	paths := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if !r.resolvesInside(taskDir, filepath.Join(taskDir, candidate)) {
			r.logger.Warn("Resource escapes task root, omitting",
				slog.String("taskId", task.ID),
				slog.Int("segment", segment),
				slog.String("path", candidate),
			)
			continue
		}
		paths = append(paths, path.Join(task.ID, filepath.ToSlash(candidate)))
	}
	return paths, nil
}

// ResolveForDownload validates a relative resource path and returns the
// absolute file path. Containment is checked before ownership so traversal
// attempts are rejected regardless of who asks.
func (r *Resolver) ResolveForDownload(ctx context.Context, owner string, relativePath string) (string, error) {
	cleaned, err := cleanRelative(relativePath)
	if err != nil {
		r.logger.Warn("Rejected resource path", slog.String("owner", owner), slog.String("path", relativePath), slog.String("error", err.Error()))
		return "", err
	}
	taskID, _, _ := strings.Cut(cleaned, "/")

	task, err := r.tasks.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.Owner != owner {
		return "", faults.Forbidden("resource %s belongs to another owner", relativePath)
	}

	taskDir, err := r.TaskDir(task.ID)
	if err != nil {
		return "", err
	}
	abs := filepath.Join(r.root, filepath.FromSlash(cleaned))
	resolved, err := filepath.EvalSymlinks(abs)
	if errors.Is(err, os.ErrNotExist) {
		return "", faults.NotFound("resource %s not found", relativePath)
	}
	if err != nil {
		return "", err
	}
	if !within(taskDir, resolved) {
		r.logger.Warn("Resource resolves outside task root",
			slog.String("taskId", task.ID),
			slog.String("path", relativePath),
			slog.String("resolved", resolved),
		)
		return "", faults.PathViolation("resource %s resolves outside its task", relativePath)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", faults.NotFound("resource %s not found", relativePath)
	}
	return resolved, nil
}

// Purge removes the artifacts of segments >= fromSegment. Files that an
// earlier segment also produces are kept.
func (r *Resolver) Purge(task taskstore.Task, fromSegment int) error {
	shape, err := task.Shape()
	if err != nil {
		return err
	}
	taskDir, err := r.TaskDir(task.ID)
	if err != nil {
		return err
	}

	kept := make(map[workflow.Artifact]bool)
	for _, def := range shape.Segments {
		if def.Ordinal < fromSegment {
			kept[def.Artifact] = true
		}
	}

	for _, def := range shape.Segments {
		if def.Ordinal < fromSegment || kept[def.Artifact] {
			continue
		}
		discovery, err := ruleFor(def.Artifact)
		if err != nil {
			return err
		}
		files, err := discovery.discover(taskDir)
		if err != nil {
			return fmt.Errorf("discover %s artifacts of task %s: %w", def.Artifact, task.ID, err)
		}
		for _, file := range files {
			if err := os.Remove(filepath.Join(taskDir, file)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("purge %s: %w", file, err)
			}
		}
		kept[def.Artifact] = true
	}

	r.logger.Debug("Purged task resources", slog.String("taskId", task.ID), slog.Int("fromSegment", fromSegment))
	return nil
}

func (r *Resolver) PurgeAll(taskID string) error {
	dir, err := r.TaskDir(taskID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (r *Resolver) resolvesInside(base string, target string) bool {
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		return false
	}
	return within(base, resolved)
}

func cleanRelative(relativePath string) (string, error) {
	if strings.TrimSpace(relativePath) == "" {
		return "", faults.PathViolation("resource path is empty")
	}
	if strings.ContainsRune(relativePath, 0) {
		return "", faults.PathViolation("resource path contains NUL")
	}
	normalized := strings.ReplaceAll(relativePath, `\`, "/")
	if path.IsAbs(normalized) || filepath.IsAbs(relativePath) || filepath.VolumeName(relativePath) != "" {
		return "", faults.PathViolation("resource path %q must be relative", relativePath)
	}
	for _, part := range strings.Split(normalized, "/") {
		if part == ".." {
			return "", faults.PathViolation("resource path %q escapes the resource root", relativePath)
		}
	}
	cleaned := path.Clean(normalized)
	taskID, rest, ok := strings.Cut(cleaned, "/")
	if !ok || rest == "" || !validTaskID(taskID) {
		return "", faults.PathViolation("resource path %q does not point inside a task", relativePath)
	}
	return cleaned, nil
}

func within(base string, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func validTaskID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\\x00")
}
