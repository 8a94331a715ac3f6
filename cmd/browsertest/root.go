package main

import (
	"github.com/spf13/cobra"

	"github.com/odvcencio/browsertest/pkg/config"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "browsertest",
		Short:         "Run natural-language browser tests through an AI browsing agent",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (default: ~/.browsertest/config.yaml and ./.browsertest/config.yaml)")

	load := func() (*config.Config, error) {
		if configPath != "" {
			return config.LoadFromPath(configPath)
		}
		return config.Load()
	}

	cmd.AddCommand(newServeCmd(load))
	cmd.AddCommand(newRunCmd(load))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

type configLoader func() (*config.Config, error)
