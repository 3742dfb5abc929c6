// Package cmd implements the task subcommand on top of the buildsys package
package cmd

import (
	"io"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/technoculture/openoligo-tools/pkg"
	"github.com/technoculture/openoligo-tools/pkg/buildsys"
	"github.com/technoculture/openoligo-tools/pkg/config"
)

// NewLogger creates the logger used by all subcommands.
func NewLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Log.JSON {
		zerolog.ErrorMarshalFunc = func(err error) interface{} {
			return eris.ToJSON(err, cfg.Log.Debug)
		}
		logger = zerolog.New(out).With().Timestamp().Logger()
	} else {
		zerolog.ErrorMarshalFunc = func(err error) interface{} {
			return eris.ToString(err, cfg.Log.Debug)
		}
		logger = zerolog.New(NewConsoleWriter(out, cfg.Log.Debug))
	}

	return logger.Level(cfg.LogLevel())
}

// splitArgs separates option=value pairs from task names.
func splitArgs(args []string) ([]string, map[string]string) {
	taskArgs := make([]string, 0, len(args))
	options := make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > 0 {
			options[part[:pos]] = part[pos+1:]
		} else {
			taskArgs = append(taskArgs, part)
		}
	}

	return taskArgs, options
}

// undeclaredOptions returns the names in given that the script has no option() for, sorted.
func undeclaredOptions(given map[string]string, declared map[string]buildsys.ScriptOption) []string {
	var unknown []string
	for name := range given {
		if _, ok := declared[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	return unknown
}

var RootCmd = &cobra.Command{
	Use:   "task [option=value...] [task...]",
	Short: "Runs project tasks (lint, type, test, ...)",
	Long: `This command loads the first tasks.star file it finds walking up from the current
directory (or the built-in openoligo tasks if there is none) and runs the given tasks in order.
Without tasks, or with "help", it lists the available tasks and options.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		dryRun, err := flags.GetBool("dry")
		if err != nil {
			return err
		}

		force, err := flags.GetBool("force")
		if err != nil {
			return err
		}

		noCache, err := flags.GetBool("no-cache")
		if err != nil {
			return err
		}

		taskFile, err := flags.GetString("file")
		if err != nil {
			return err
		}

		taskArgs, options := splitArgs(args)

		wd, err := os.Getwd()
		if err != nil {
			return eris.Wrap(err, "failed to retrieve the current working directory")
		}

		projectRoot, err := pkg.GetProjectRoot(wd)
		if err != nil {
			return err
		}

		cfg, err := config.Load(projectRoot)
		if err != nil {
			return err
		}

		logger := NewLogger(cfg, cmd.ErrOrStderr())
		ctx := buildsys.WithLogger(cmd.Context(), &logger)

		if taskFile == "" {
			taskFile = cfg.Tasks.File
		}

		cacheFile := ""
		if !noCache {
			cacheFile = cfg.CacheFile(projectRoot)
		}

		script, err := buildsys.Load(ctx, buildsys.LoadOptions{
			ProjectRoot: projectRoot,
			File:        taskFile,
			CacheFile:   cacheFile,
			Options:     cfg.ScriptOptions(options),
		})
		if err != nil {
			return err
		}

		if script.Cached {
			logger.Debug().Msg("loaded tasks from cache")
		}

		// options from oligo.toml may not apply to every script, typos on the command line should
		// be visible though
		for _, name := range undeclaredOptions(options, script.Options) {
			logger.Warn().Msgf("ignoring option %s=%s; the task script doesn't declare it", name, options[name])
		}

		// help can be mixed with other tasks, e.g. "oligo task help lint"
		toRun := make([]string, 0, len(taskArgs))
		for _, name := range taskArgs {
			if name == "help" {
				err = buildsys.WriteUsage(cmd.OutOrStdout(), cmd.CommandPath(), script.Tasks, script.Options)
				if err != nil {
					return err
				}
				continue
			}
			toRun = append(toRun, name)
		}

		if len(taskArgs) == 0 {
			return buildsys.WriteUsage(cmd.OutOrStdout(), cmd.CommandPath(), script.Tasks, script.Options)
		}

		if len(toRun) == 0 {
			return nil
		}

		if dryRun {
			plan, err := buildsys.Plan(script.Tasks, toRun...)
			if err != nil {
				return err
			}
			logger.Info().Msgf("plan: %s", strings.Join(plan, " -> "))
		}

		return buildsys.RunTasks(ctx, toRun, script.Tasks, buildsys.RunOptions{
			ProjectRoot: projectRoot,
			DryRun:      dryRun,
			Force:       force,
			Stdout:      cmd.OutOrStdout(),
			Stderr:      cmd.ErrOrStderr(),
		})
	},
}

func init() {
	flags := RootCmd.Flags()
	flags.BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	flags.BoolP("force", "f", false, "force build; always execute the passed tasks even if they don't have to run")
	flags.Bool("no-cache", false, "always evaluate the task script instead of using the cached result")
	flags.String("file", "", "task script to use instead of the nearest tasks.star")
}
