// Command codegate serves prompt jobs to agent CLIs over HTTP.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitCodeError carries a process exit code out of a command without
// printing anything further.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "codegate",
		Short: "Gateway that runs prompt jobs through agent CLIs",
		Long: `codegate accepts prompt jobs over HTTP, runs each one through an external
agent CLI (claude, codex, aider, or a manifest provider) in a throwaway
workspace, and returns the output together with every file the agent
created or changed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("CODEGATE_CONFIG"), "path to configuration file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newProvidersCmd(opts),
		newDoctorCmd(opts),
		newHistoryCmd(opts),
		newMonitorCmd(opts),
		newVersionCmd(),
	)
	return root
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		var exitErr exitCodeError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
