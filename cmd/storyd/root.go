package main

import (
	"github.com/spf13/cobra"

	"github.com/Oudwins/storyd/internals/conf"
	"github.com/Oudwins/storyd/internals/version"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "storyd",
		Short:         "Segmented content generation server",
		Version:       version.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (defaults to STORYD_CONFIG or ~/.storyd/storyd.json)")
	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.AddCommand(
		newServeCmd(opts),
		newTokenCmd(opts),
		newMigrateCmd(opts),
	)
	return cmd
}

// config returns the file named by --config, or the process default.
func (o *rootOptions) config() (*conf.Config, error) {
	if o.configPath == "" {
		return conf.GetConfig(), nil
	}
	config, err := conf.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	conf.SetConfig(config)
	return config, nil
}
