package buildsys

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/technoculture/openoligo-tools/pkg/posix"
)

// RunOptions controls a single RunTask call.
type RunOptions struct {
	// ProjectRoot anchors //-patterns in inputs, outputs and skip_if_exists.
	ProjectRoot string
	// DryRun logs every command without executing it.
	DryRun bool
	// Force ignores skip_if_exists and the input/output check for the requested task. Its
	// dependencies are still checked.
	Force bool

	Stdout io.Writer
	Stderr io.Writer
}

type (
	runtimeCtxKey struct{}
	runtimeCtx    struct {
		// false while a task is running, true once it finished
		runTasks map[string]bool
		opts     RunOptions
	}
)

func getRuntimeCtx(ctx context.Context) *runtimeCtx {
	return ctx.Value(runtimeCtxKey{}).(*runtimeCtx)
}

var defaultExecHandler = interp.DefaultExecHandler(2 * time.Second)

// execHandler runs rm, mv and mkdir in-process so they behave the same on every platform.
// Everything else is looked up on PATH.
func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 && posix.Handles(args[0]) {
		hc := interp.HandlerCtx(ctx)
		if err := posix.Run(hc.Dir, args); err != nil {
			if hc.Stderr != nil {
				io.WriteString(hc.Stderr, args[0]+": "+err.Error()+"\n")
			}
			return interp.NewExitStatus(1)
		}
		return nil
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

func resolvePatternLists(projectRoot, base string, patterns []string) ([]string, error) {
	result := []string{}
	cfg := expand.Config{
		ReadDir:  shellReadDir,
		GlobStar: true,
	}

	parser := syntax.NewParser()
	for _, item := range patterns {
		item = filepath.ToSlash(normalizePath(projectRoot, base, item))

		words := make([]*syntax.Word, 0)
		err := parser.Words(strings.NewReader(item), func(w *syntax.Word) bool {
			words = append(words, w)
			return true
		})
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse pattern %s", item)
		}

		matches, err := expand.Fields(&cfg, words...)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", item)
		}

		for _, match := range matches {
			// patterns without matches come back unexpanded
			if !strings.ContainsAny(match, "*?[") {
				result = append(result, match)
			}
		}
	}
	return result, nil
}

// RunTask executes the named task after its dependencies. The task graph is validated first so
// cycles and unknown dependencies are reported before any command runs.
func RunTask(ctx context.Context, task string, tasks TaskList, opts RunOptions) error {
	return RunTasks(ctx, []string{task}, tasks, opts)
}

// RunTasks runs several tasks in order. Dependencies shared between them only run once.
func RunTasks(ctx context.Context, names []string, tasks TaskList, opts RunOptions) error {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.ProjectRoot == "" {
		opts.ProjectRoot = "."
	}

	root, err := filepath.Abs(opts.ProjectRoot)
	if err != nil {
		return eris.Wrap(err, "failed to resolve project root")
	}
	opts.ProjectRoot = root

	for _, name := range names {
		if _, found := tasks[name]; !found {
			return eris.Errorf("task %s not found", name)
		}
	}

	if _, err := Validate(tasks); err != nil {
		return err
	}

	rctx := runtimeCtx{
		runTasks: make(map[string]bool),
		opts:     opts,
	}
	ctx = context.WithValue(ctx, runtimeCtxKey{}, &rctx)

	for _, name := range names {
		if err := runTaskInternal(ctx, tasks[name], tasks, opts.Force); err != nil {
			return err
		}
	}
	return nil
}

func runTaskInternal(ctx context.Context, task *Task, tasks TaskList, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rctx := getRuntimeCtx(ctx)
	logger := taskLog(ctx, task)

	if done, ok := rctx.runTasks[task.Short]; ok {
		if done {
			logger.Debug().Msg("already run")
			return nil
		}
		return eris.Errorf("task %s was called recursively", task.Short)
	}

	rctx.runTasks[task.Short] = false

	for _, dep := range task.Deps {
		depTask, ok := tasks[dep]
		if !ok {
			return eris.Errorf("task %s not found (required by %s)", dep, task.Short)
		}

		err := runTaskInternal(ctx, depTask, tasks, false)
		if err != nil {
			if cmdErr, ok := err.(*CommandError); ok {
				cmdErr.Via = append(cmdErr.Via, task.Short)
				return cmdErr
			}
			return eris.Wrapf(err, "task %s failed due to its dependency %s", task.Short, dep)
		}
	}

	if !force {
		skip, err := canSkip(ctx, task)
		if err != nil {
			return err
		}

		if skip {
			rctx.runTasks[task.Short] = true
			return nil
		}
	}

	runner, err := interp.New(
		interp.Dir(task.Base),
		interp.Env(expand.ListEnviron(processEnv(task.Env)...)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, rctx.opts.Stdout, rctx.opts.Stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrap(err, "failed to initialize runner")
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(syntax.Minify(true))
	strBuffer := strings.Builder{}

	for _, item := range task.Cmds {
		subTask, err := item.ToTask()
		if err != nil {
			return eris.Wrap(err, "failed to retrieve task ref")
		}

		if subTask != nil {
			if err = runTaskInternal(ctx, subTask, tasks, force); err != nil {
				if cmdErr, ok := err.(*CommandError); ok {
					cmdErr.Via = append(cmdErr.Via, task.Short)
				}
				return err
			}
			continue
		}

		stmts, err := item.ToShellStmts(parser)
		if err != nil {
			return eris.Wrap(err, "failed to parse shell script")
		}

		for _, stmt := range stmts {
			strBuffer.Reset()
			if err = printer.Print(&strBuffer, stmt); err != nil {
				return eris.Wrap(err, "failed to print command")
			}
			cmdLine := strBuffer.String()

			logger.Info().
				Bool("command", true).
				Bool("dry", rctx.opts.DryRun).
				Msg(cmdLine)

			if rctx.opts.DryRun {
				continue
			}

			err = runner.Run(ctx, stmt)
			if err != nil {
				if status, ok := interp.IsExitStatus(err); ok {
					return &CommandError{Task: task.Short, Command: cmdLine, Status: int(status)}
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return eris.Wrapf(err, "task %s: command %s failed", task.Short, cmdLine)
			}

			if runner.Exited() {
				// the script called exit 0
				rctx.runTasks[task.Short] = true
				return nil
			}
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	rctx.runTasks[task.Short] = true
	return nil
}

// canSkip implements skip_if_exists and the inputs/outputs freshness check.
func canSkip(ctx context.Context, task *Task) (bool, error) {
	rctx := getRuntimeCtx(ctx)
	root := rctx.opts.ProjectRoot
	logger := taskLog(ctx, task)

	if len(task.SkipIfExists) > 0 {
		skipList, err := resolvePatternLists(root, task.Base, task.SkipIfExists)
		if err != nil {
			return false, eris.Wrapf(err, "failed to resolve skip_if_exists of %s", task.Short)
		}

		found := 0
		for _, item := range skipList {
			_, err := os.Stat(item)
			if err == nil {
				found++
			} else if !eris.Is(err, os.ErrNotExist) {
				return false, eris.Wrapf(err, "failed to check %s", item)
			}
		}

		if found > 0 && found == len(skipList) {
			logger.Info().Msg("skipped because all skip files exist")
			return true, nil
		}
	}

	if len(task.Inputs) == 0 || len(task.Outputs) == 0 {
		return false, nil
	}

	inputList, err := resolvePatternLists(root, task.Base, task.Inputs)
	if err != nil {
		return false, eris.Wrapf(err, "failed to resolve inputs of %s", task.Short)
	}

	outputList, err := resolvePatternLists(root, task.Base, task.Outputs)
	if err != nil {
		return false, eris.Wrapf(err, "failed to resolve outputs of %s", task.Short)
	}

	var newestInput time.Time
	for _, item := range inputList {
		info, err := os.Stat(item)
		if err != nil {
			return false, eris.Wrapf(err, "failed to check input %s", item)
		}

		if info.ModTime().After(newestInput) {
			newestInput = info.ModTime()
		}
	}

	if newestInput.IsZero() {
		return false, nil
	}

	var newestOutput time.Time
	oldestOutput := time.Now()
	for _, item := range outputList {
		info, err := os.Stat(item)
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				// a missing output always means we have to run
				return false, nil
			}
			return false, eris.Wrapf(err, "failed to check output %s", item)
		}

		mt := info.ModTime()
		if mt.After(newestOutput) {
			newestOutput = mt
		}
		if mt.Before(oldestOutput) {
			oldestOutput = mt
		}
	}

	if len(outputList) == 0 {
		return false, nil
	}

	if spread := newestOutput.Sub(oldestOutput); spread > 10*time.Minute {
		logger.Warn().Msgf("oldest output is %.1f minutes older than the newest output", spread.Minutes())
	}

	if newestOutput.After(newestInput) {
		logger.Info().Msgf("nothing to do (output is %.1f seconds newer)", newestOutput.Sub(newestInput).Seconds())
		return true, nil
	}

	return false, nil
}
