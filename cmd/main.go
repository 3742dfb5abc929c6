package cmd

import (
	"context"
	"os"
	"os/signal"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/technoculture/openoligo-tools/pkg"
	"github.com/technoculture/openoligo-tools/pkg/buildsys"
	"github.com/technoculture/openoligo-tools/pkg/buildsys/cmd"
)

var rootCmd = &cobra.Command{
	Use:   "oligo",
	Short: "Developer tasks for OpenOligo",
	Long: `This command bundles the tools used to develop OpenOligo.
This includes the task runner (lint, type, test, ...), a dependency fetcher, a tool check and
portable versions of mv, rm and mkdir.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.AddCommand(cmd.RootCmd)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	_, isCommand := buildsys.ExitStatus(err)
	switch {
	case isCommand:
		pkg.PrintError(err.Error())
	case eris.Is(err, context.Canceled):
		pkg.PrintError("interrupted")
	default:
		pkg.PrintError(eris.ToString(err, false))
	}
	return exitCode(err)
}

// exitCode maps err to the process exit code. A failing task command passes its exit status
// through, an interrupt yields 130 and every other error 1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}

	if status, ok := buildsys.ExitStatus(err); ok {
		if status == 0 {
			return 1
		}
		return status
	}

	if eris.Is(err, context.Canceled) {
		return 130
	}
	return 1
}
