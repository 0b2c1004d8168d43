package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentjido/jido-shell-sub001/internal/config"
	"github.com/agentjido/jido-shell-sub001/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vshell",
		Short:         "Session execution engine for virtual shells",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			config.Load()
			logging.Init(config.Cfg.LogPath, config.Cfg.LogLevel)
		},
	}

	root.AddCommand(
		newServeCmd(),
		newExecCmd(),
		newSessionsCmd(),
	)
	return root
}
