package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Oudwins/storyd/internals/auth"
	"github.com/Oudwins/storyd/internals/env"
	"github.com/Oudwins/storyd/storyd/core"
)

func newTokenCmd(root *rootOptions) *cobra.Command {
	var owner string
	var login bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an owner",
		Example: `  storyd token --owner alice
  storyd token --owner alice --login`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner = strings.TrimSpace(owner)
			if owner == "" {
				return errors.New("--owner is required")
			}
			config, err := root.config()
			if err != nil {
				return err
			}
			envs := env.Get()
			tokens, err := core.NewTokens(config, envs)
			if err != nil {
				return err
			}
			token, expiresAt, err := tokens.Issue(owner)
			if err != nil {
				return err
			}
			if login {
				if err := auth.WriteCredentials(config.Server.DataDir, auth.Credentials{
					ServerURL: envs.BASE_URL,
					Token:     token,
					Owner:     owner,
					ExpiresAt: expiresAt,
				}); err != nil {
					return err
				}
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			fmt.Fprintf(cmd.ErrOrStderr(), "owner: %s\nexpires: %s\n", owner, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id the token authenticates")
	cmd.Flags().BoolVar(&login, "login", false, "also store the token for storyctl on this machine")
	return cmd
}
