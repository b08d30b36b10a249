package storyctl

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Oudwins/storyd/internals/auth"
	"github.com/Oudwins/storyd/internals/conf"
	"github.com/Oudwins/storyd/internals/env"
	"github.com/Oudwins/storyd/internals/version"
	"github.com/Oudwins/storyd/sdk"
)

var ErrNotLoggedIn = errors.New("not logged in: run `storyctl login --token <token>` (tokens come from `storyd token --owner <id>`)")

type rootOptions struct {
	server  string
	token   string
	dataDir string
	noStart bool
}

// NewRootCmd builds the storyctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "storyctl",
		Short:         "Create story tasks, run their segments and follow progress",
		Version:       version.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", "", "server base url (defaults to the logged in server or STORYD_ENV_PORT on localhost)")
	flags.StringVar(&opts.token, "token", "", "bearer token (defaults to the stored credentials)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "directory holding the stored credentials")
	flags.BoolVar(&opts.noStart, "no-start", false, "do not start a local storyd when none is running")
	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.AddCommand(
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newWorkflowsCmd(opts),
		newNewCmd(opts),
		newTasksCmd(opts),
		newProgressCmd(opts),
		newExecCmd(opts),
		newResourcesCmd(opts),
		newDownloadCmd(opts),
		newDeleteCmd(opts),
		newWatchCmd(opts),
	)
	return cmd
}

func (o *rootOptions) credentialsDir() string {
	if o.dataDir != "" {
		return o.dataDir
	}
	return conf.GetConfig().Server.DataDir
}

// client returns an authenticated client for the configured server, starting
// a local server first when needed.
func (o *rootOptions) client(ctx context.Context) (*sdk.Client, error) {
	token := o.token
	serverURL := o.server
	if token == "" || serverURL == "" {
		creds, ok, err := auth.ReadCredentials(o.credentialsDir())
		if err != nil {
			return nil, fmt.Errorf("read credentials: %w", err)
		}
		if ok {
			if token == "" {
				if creds.Expired(timeNow()) {
					return nil, fmt.Errorf("stored token expired at %s: %w", creds.ExpiresAt.Format("2006-01-02 15:04"), ErrNotLoggedIn)
				}
				token = creds.Token
			}
			if serverURL == "" {
				serverURL = creds.ServerURL
			}
		}
	}
	if token == "" {
		return nil, ErrNotLoggedIn
	}
	if serverURL == "" {
		serverURL = env.Get().BASE_URL
	}

	client := sdk.NewClient(sdk.WithBaseURL(serverURL), sdk.WithToken(token))
	if err := ensureServerRunning(ctx, client, !o.noStart); err != nil {
		return nil, err
	}
	return client, nil
}

// explain turns well known client errors into actionable messages.
func explain(err error) error {
	if errors.Is(err, sdk.ErrAuthRequired) {
		return fmt.Errorf("token rejected by server: %w", ErrNotLoggedIn)
	}
	return err
}
