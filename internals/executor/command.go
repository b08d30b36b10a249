package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var execCommand = exec.CommandContext

// Command runs an external program as `<Path> <segment-name> <task-dir>`
// with the job parameters in its environment.
type Command struct {
	Path   string
	Args   []string
	Logger *slog.Logger
}

const maxFailureOutput = 2048

func (c Command) Execute(ctx context.Context, job Job) ([]string, error) {
	if c.Path == "" {
		return nil, errors.New("executor command is not configured")
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	args := append(append([]string{}, c.Args...), job.Segment.Name, job.TaskDir)
	cmd := execCommand(ctx, c.Path, args...)
	cmd.Dir = job.TaskDir
	cmd.Env = append(os.Environ(),
		"STORYD_TASK_ID="+job.TaskID,
		"STORYD_SEGMENT="+strconv.Itoa(job.Segment.Ordinal),
		"STORYD_SEGMENT_NAME="+job.Segment.Name,
		"STORYD_ARTIFACT="+string(job.Segment.Artifact),
		"STORYD_WORKFLOW="+job.Workflow,
		"STORYD_TOPIC="+job.Params.Topic,
		"STORYD_MAIN_ROLE="+job.Params.MainRole,
		"STORYD_SCENE="+job.Params.Scene,
	)
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	output, err := cmd.CombinedOutput()
	logger.Debug("Executor command finished",
		slog.String("taskId", job.TaskID),
		slog.Int("segment", job.Segment.Ordinal),
		slog.Duration("duration", time.Since(start)),
		slog.Bool("ok", err == nil),
	)
	if err == nil {
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	message := strings.TrimSpace(string(output))
	if len(message) > maxFailureOutput {
		message = message[len(message)-maxFailureOutput:]
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if message == "" {
			message = fmt.Sprintf("%s exited with code %d", c.Path, exitErr.ExitCode())
		}
		return nil, Failure("%s", message)
	}
	return nil, fmt.Errorf("run %s: %w", c.Path, err)
}
