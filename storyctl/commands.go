package storyctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Oudwins/storyd/internals/auth"
	"github.com/Oudwins/storyd/internals/schemas"
	"github.com/Oudwins/storyd/internals/timeouts"
	"github.com/Oudwins/storyd/internals/workflow"
	"github.com/Oudwins/storyd/tui"
)

func newLoginCmd(root *rootOptions) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a bearer token for later commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("--token is required")
			}
			dir := root.credentialsDir()
			if err := auth.WriteCredentials(dir, auth.Credentials{ServerURL: root.server, Token: token}); err != nil {
				return err
			}
			path, _ := auth.CredentialsPath(dir)
			fmt.Fprintf(cmd.OutOrStdout(), "saved credentials to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token printed by `storyd token --owner <id>`")
	return cmd
}

func newLogoutCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return auth.RemoveCredentials(root.credentialsDir())
		},
	}
}

func newWorkflowsCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List task shapes and their segments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeouts.SecondDefault)
			defer cancel()
			client, err := root.client(ctx)
			if err != nil {
				return err
			}
			response, err := client.Workflows(ctx)
			if err != nil {
				return explain(err)
			}
			out := cmd.OutOrStdout()
			for _, shape := range response.Workflows {
				fmt.Fprintf(out, "%s: %s\n", shape.Name, strings.Join(shape.SegmentNames(), " -> "))
			}
			return nil
		},
	}
}

func newNewCmd(root *rootOptions) *cobra.Command {
	request := schemas.TaskCreateRequest{}
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a task",
		Example: `  storyctl new --topic "a fox learns to fly"
  storyctl new --topic "city at night" --workflow video
  storyctl new   # interactive form`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(request.Topic) == "" {
				if !isTerminal(cmd.OutOrStdout()) {
					return errors.New("--topic is required")
				}
				filled, ok, err := tui.TaskForm(request.Workflow)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				request = filled
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeouts.SecondDefault)
			defer cancel()
			client, err := root.client(ctx)
			if err != nil {
				return err
			}
			response, err := client.CreateTask(ctx, request)
			if err != nil {
				return explain(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), response.TaskID)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&request.Topic, "topic", "", "what the story is about")
	flags.StringVar(&request.MainRole, "role", "", "main character")
	flags.StringVar(&request.Scene, "scene", "", "setting")
	flags.StringVar(&request.Workflow, "workflow", workflow.ShapeStory, "task shape: "+strings.Join(workflow.Names(), ", "))
	return cmd
}

func newTasksCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List your tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeouts.SecondDefault)
			defer cancel()
			client, err := root.client(ctx)
			if err != nil {
				return err
			}
			response, err := client.ListTasks(ctx)
			if err != nil {
				return explain(err)
			}
			for _, id := range response.TaskIDs {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

func newProgressCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <task-id>",
		Short: "Show how far a task got",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeouts.SecondDefault)
			defer cancel()
			client, err := root.client(ctx)
			if err != nil {
				return err
			}
			progress, err := client.Progress(ctx, args[0])
			if err != nil {
				return explain(err)
			}
			printProgress(cmd.OutOrStdout(), progress)
			return nil
		},
	}
}

func newExecCmd(root *rootOptions) *cobra.Command {
	var redo bool
	var wait bool
	var waitTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "exec <task-id> <segment>",
		Short: "Queue a segment of a task",
		Example: `  storyctl exec 0193... 1 --wait
  storyctl exec 0193... 3 --redo`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID := args[0]
			segment, err := strconv.Atoi(args[1])
			if err != nil || segment < 1 {
				return fmt.Errorf("segment must be a positive integer, got %q", args[1])
			}

			ctx := cmd.Context()
			if wait {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, waitTimeout)
				defer cancel()
			}
			client, err := root.client(ctx)
			if err != nil {
				return err
			}

			// Subscribe first so the completion event cannot be missed.
			var events <-chan schemas.Event
			if wait {
				stream, err := client.Subscribe(ctx)
				if err != nil {
					return explain(err)
				}
				defer stream.Close()
				if err := stream.Ping(ctx); err != nil {
					return err
				}
				events = stream.Events()
			}

			response, err := client.Execute(ctx, taskID, segment, redo)
			if err != nil {
				return explain(err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (job %s)\n", response.Message, response.JobID)
			if !wait {
				return nil
			}

			for {
				select {
				case <-ctx.Done():
					return fmt.Errorf("waiting for segment %d: %w", segment, ctx.Err())
				case event, ok := <-events:
					if !ok {
						return errors.New("notification stream closed before the segment finished")
					}
					if event.TaskID != taskID || event.SegmentID != segment {
						continue
					}
					fmt.Fprintln(out, tui.FormatEvent(event, false))
					if event.Error != "" {
						return fmt.Errorf("segment %d failed: %s", segment, event.Error)
					}
					for _, resource := range event.Resources {
						fmt.Fprintf(out, "  %s\n", resource)
					}
					return nil
				}
			}
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&redo, "redo", false, "regenerate this segment and discard everything after it")
	flags.BoolVar(&wait, "wait", false, "wait for the segment to finish")
	flags.DurationVar(&waitTimeout, "wait-timeout", 45*time.Minute, "how long --wait waits")
	return cmd
}

func newResourcesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resources <task-id> <segment>",
		Short: "List files a completed segment produced",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			segment, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("segment must be an integer, got %q", args[1])
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeouts.SecondDefault)
			defer cancel()
			client, err := root.client(ctx)
			if err != nil {
				return err
			}
			response, err := client.Resources(ctx, args[0], segment)
			if err != nil {
				return explain(err)
			}
			for _, resource := range response.URLs {
				fmt.Fprintln(cmd.OutOrStdout(), resource)
			}
			return nil
		},
	}
}

func newDownloadCmd(root *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "download <resource>",
		Short: "Download a generated file",
		Example: `  storyctl download 0193.../image/p1.png
  storyctl download 0193.../script_data.json -o -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resource := args[0]
			ctx, cancel := context.WithTimeout(cmd.Context(), timeouts.SecondLong)
			defer cancel()
			client, err := root.client(ctx)
			if err != nil {
				return err
			}

			if output == "-" {
				_, err := client.Download(ctx, resource, cmd.OutOrStdout())
				return explain(err)
			}
			if output == "" {
				output = path.Base(resource)
			}
			if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
				return err
			}
			file, err := os.Create(output)
			if err != nil {
				return err
			}
			n, err := client.Download(ctx, resource, file)
			closeErr := file.Close()
			if err != nil {
				_ = os.Remove(output)
				return explain(err)
			}
			if closeErr != nil {
				return closeErr
			}
			out := cmd.OutOrStdout()
			target := output
			if abs, err := filepath.Abs(output); err == nil {
				target = "file://" + abs
			}
			fmt.Fprintf(out, "saved %s (%d bytes)\n", link(out, output, target), n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file, - for stdout (defaults to the resource file name)")
	return cmd
}

func newDeleteCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and its generated files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeouts.SecondDefault)
			defer cancel()
			client, err := root.client(ctx)
			if err != nil {
				return err
			}
			response, err := client.DeleteTask(ctx, args[0])
			if err != nil {
				return explain(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			if response.JobID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "purge job: %s\n", response.JobID)
			}
			return nil
		},
	}
}

func newWatchCmd(root *rootOptions) *cobra.Command {
	var untilDone bool
	cmd := &cobra.Command{
		Use:   "watch [task-id]",
		Short: "Follow segment events as they happen",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := tui.WatchOptions{UntilDone: untilDone}
			if len(args) == 1 {
				opts.TaskID = args[0]
			} else if untilDone {
				return errors.New("--until-done needs a task id")
			}

			ctx := cmd.Context()
			client, err := root.client(ctx)
			if err != nil {
				return err
			}
			stream, err := client.Subscribe(ctx)
			if err != nil {
				return explain(err)
			}
			defer stream.Close()

			out := cmd.OutOrStdout()
			if isTerminal(out) {
				if err := tui.Watch(stream.Events(), opts); err != nil {
					return err
				}
				return explain(stream.Err())
			}
			return watchPlain(ctx, out, stream.Events(), opts, stream.Err)
		},
	}
	cmd.Flags().BoolVar(&untilDone, "until-done", false, "exit once the task completes or fails")
	return cmd
}

func watchPlain(ctx context.Context, out io.Writer, events <-chan schemas.Event, opts tui.WatchOptions, streamErr func() error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return explain(streamErr())
			}
			if opts.TaskID != "" && event.TaskID != opts.TaskID {
				continue
			}
			fmt.Fprintln(out, tui.FormatEvent(event, false))
			if opts.UntilDone && tui.Settled(event) {
				return nil
			}
		}
	}
}
