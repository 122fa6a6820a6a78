package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	ConfigPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	serve := newServeCommand(opts)
	cmd := &cobra.Command{
		Use:           "rillmix",
		Short:         "Compose live inputs into one stream and publish it over RTMP",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config.yaml (defaults are used when missing)")

	cmd.AddCommand(serve)
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(newRestoreCommand(opts))
	return cmd
}
