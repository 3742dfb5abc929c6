package buildsys

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"
)

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	yamlCache    map[string]interface{}
	filepath     string
	projectRoot  string
	tasks        []*Task
	initPhase    bool
}

func (c *parserCtx) normalize(pathList ...string) string {
	return normalizePath(c.projectRoot, filepath.Dir(c.filepath), pathList...)
}

func (c *parserCtx) simplify(path string) string {
	return simplifyPath(c.projectRoot, path)
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

type starlarkIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

func starlarkIterable2stringSlice(input starlarkIterable, field string) ([]string, error) {
	if value, ok := input.(*starlark.List); ok && value == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		case StarlarkPath:
			result = append(result, string(value))
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

func shellReadDir(path string) ([]os.FileInfo, error) {
	if path == "" {
		path = "."
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	infos := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// the file disappeared between the listing and the stat call
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// shellWord turns a single argv element into a shell word. Glob characters are left alone so
// tuples like ("rm", "-f", "dist/*") still expand.
func shellWord(value string) *syntax.Word {
	var part syntax.WordPart

	switch {
	case value == "":
		part = &syntax.SglQuoted{Value: ""}
	case strings.Contains(value, "'"):
		escaper := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")
		part = &syntax.DblQuoted{Parts: []syntax.WordPart{&syntax.Lit{Value: escaper.Replace(value)}}}
	case strings.ContainsAny(value, " \t\n$\"\\;&|<>()`#"):
		part = &syntax.SglQuoted{Value: value}
	default:
		part = &syntax.Lit{Value: value}
	}

	return &syntax.Word{Parts: []syntax.WordPart{part}}
}

// processCmdParts converts an argv tuple into a shell call. Leading KEY=VALUE items become
// assignments for that call only.
func processCmdParts(parts starlark.Tuple, parser *syntax.Parser, base string) (*syntax.CallExpr, error) {
	envVars := make([]string, 0, len(parts))
	for _, part := range parts {
		value, ok := part.(starlark.String)
		if !ok || !strings.Contains(value.GoString(), "=") {
			break
		}
		envVars = append(envVars, value.GoString())
	}

	var cmd *syntax.CallExpr
	if len(envVars) > 0 {
		joinedEnvVars := strings.Join(envVars, " ")
		result, err := parser.Parse(strings.NewReader(joinedEnvVars), "env vars")
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse command vars %s", joinedEnvVars)
		}

		if len(result.Stmts) != 1 || result.Stmts[0].Cmd == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}

		var ok bool
		cmd, ok = result.Stmts[0].Cmd.(*syntax.CallExpr)
		if !ok || cmd.Assigns == nil || len(cmd.Args) > 0 {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}
	} else {
		cmd = new(syntax.CallExpr)
	}

	if len(parts) == len(envVars) {
		return nil, eris.New("command contains assignments but no program")
	}

	cmd.Args = make([]*syntax.Word, 0, len(parts)-len(envVars))
	for _, arg := range parts[len(envVars):] {
		var encodedValue string

		switch value := arg.(type) {
		case starlark.String:
			encodedValue = value.GoString()
		case StarlarkPath:
			encodedValue = string(value)

			if filepath.IsAbs(encodedValue) {
				// keep the command line short and avoid drive letters on Windows
				if relValue, err := filepath.Rel(base, encodedValue); err == nil {
					encodedValue = relValue
				}
			}

			encodedValue = filepath.ToSlash(encodedValue)
		default:
			return nil, eris.Errorf("found argument of type %s but only strings and paths are supported: %s", arg.Type(), arg.String())
		}

		cmd.Args = append(cmd.Args, shellWord(encodedValue))
	}

	return cmd, nil
}

func info(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	log(ctx.ctx).Info().
		Msgf("%s:%d:%d: %s", ctx.simplify(ctx.filepath), pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

func warn(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	log(ctx.ctx).Warn().
		Msgf("%s:%d:%d: %s", ctx.simplify(ctx.filepath), pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

// * Builtin functions

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue string
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	value, ok := ctx.optionValues[name]
	if ok {
		return starlark.String(value), nil
	}

	return starlark.String(defaultValue), nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var skipIfExists *starlark.List
	var inputs *starlark.List
	var outputs *starlark.List
	var env *starlark.Dict
	var cmds *starlark.List

	ctx := getCtx(thread)
	if ctx.initPhase {
		return nil, eris.New("tasks can only be declared inside configure()")
	}

	task := new(Task)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "short?", &task.Short, "desc?", &task.Desc,
		"deps?", &deps, "base?", &task.Base, "skip_if_exists?", &skipIfExists, "inputs?", &inputs,
		"outputs?", &outputs, "env?", &env, "cmds?", &cmds, "hidden?", &task.Hidden)
	if err != nil {
		return nil, err
	}

	anonymous := task.Short == ""
	if anonymous {
		task.Hidden = true
		task.Short = "auto#" + nanoid.New()
	}

	if why, reserved := reservedNames[task.Short]; reserved {
		return nil, eris.Errorf(`the task name %q is reserved for %s, please use a different name`, task.Short, why)
	}

	for _, other := range ctx.tasks {
		if other.Short == task.Short {
			return nil, eris.Errorf("task %s was declared twice", task.Short)
		}
	}

	task.Env = map[string]string{}

	if task.Base == "" {
		task.Base = "."
	}
	task.Base = ctx.normalize(task.Base)

	task.Deps, err = starlarkIterable2stringSlice(deps, "deps")
	if err != nil {
		return nil, err
	}

	task.SkipIfExists, err = starlarkIterable2stringSlice(skipIfExists, "skip_if_exists")
	if err != nil {
		return nil, err
	}

	task.Inputs, err = starlarkIterable2stringSlice(inputs, "inputs")
	if err != nil {
		return nil, err
	}

	task.Outputs, err = starlarkIterable2stringSlice(outputs, "outputs")
	if err != nil {
		return nil, err
	}

	if env != nil {
		for _, item := range env.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key type %s in env map but only strings are supported", item[0].Type())
			}

			value, ok := item[1].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found value of type %s for key %s but only strings are supported", item[1].Type(), key.GoString())
			}

			task.Env[key.GoString()] = value.GoString()
		}
	}

	task.Cmds, err = collectCmds(fn, task, cmds)
	if err != nil {
		return nil, err
	}

	if len(task.Inputs) > 0 && len(task.Outputs) == 0 {
		warn(thread, "%s: %s has inputs but no outputs", fn.Name(), task.Short)
	}

	if !anonymous {
		ctx.tasks = append(ctx.tasks, task)
	}
	return task, nil
}

func collectCmds(fn *starlark.Builtin, task *Task, cmds *starlark.List) ([]TaskCmd, error) {
	result := make([]TaskCmd, 0)
	if cmds == nil {
		return result, nil
	}

	strBuffer := strings.Builder{}
	printer := syntax.NewPrinter(syntax.Minify(true))
	parser := syntax.NewParser()

	argvCmd := func(idx int, parts starlark.Tuple) error {
		cmd, err := processCmdParts(parts, parser, task.Base)
		if err != nil {
			return eris.Wrapf(err, "failed to process command #%d of %s", idx, task.Short)
		}

		strBuffer.Reset()
		if err = printer.Print(&strBuffer, cmd); err != nil {
			return eris.Wrapf(err, "failed to process command #%d of %s", idx, task.Short)
		}

		result = append(result, TaskCmdScript{TaskName: task.Short, Index: idx, Content: strBuffer.String()})
		return nil
	}

	for idx := 0; idx < cmds.Len(); idx++ {
		switch value := cmds.Index(idx).(type) {
		case starlark.String:
			script := TaskCmdScript{TaskName: task.Short, Index: idx, Content: value.GoString()}
			// parse early so syntax errors show up when the script is loaded
			if _, err := script.ToShellStmts(parser); err != nil {
				return nil, err
			}
			result = append(result, script)
		case starlark.Tuple:
			if err := argvCmd(idx, value); err != nil {
				return nil, err
			}
		case *starlark.List:
			parts := make(starlark.Tuple, value.Len())
			for subIdx := range parts {
				parts[subIdx] = value.Index(subIdx)
			}

			if err := argvCmd(idx, parts); err != nil {
				return nil, err
			}
		case *Task:
			result = append(result, TaskCmdTaskRef{Task: value})
		default:
			return nil, eris.Errorf("%s: unexpected type %s. Only strings, tuples, lists and tasks are valid", fn.Name(), value.Type())
		}
	}

	return result, nil
}

// RunScript executes a Starlark task script and returns the declared options. If doConfigure is
// true, the script's configure function is called and the declared tasks are collected and
// returned. script may be nil, in which case filename is read from disk.
func RunScript(ctx context.Context, filename string, script []byte, projectRoot string, options map[string]string, doConfigure bool) (TaskList, map[string]ScriptOption, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, nil, err
	}

	if script == nil {
		script, err = os.ReadFile(filename)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "failed to read %s", filename)
		}
	}

	if options == nil {
		options = map[string]string{}
	}

	builtins := starlark.StringDict{
		"OS":           starlark.String(runtime.GOOS),
		"ARCH":         starlark.String(runtime.GOARCH),
		"info":         starlark.NewBuiltin("info", starInfo),
		"warn":         starlark.NewBuiltin("warn", starWarn),
		"error":        starlark.NewBuiltin("error", starError),
		"resolve_path": starlark.NewBuiltin("resolve_path", resolvePath),
		"option":       starlark.NewBuiltin("option", option),
		"getenv":       starlark.NewBuiltin("getenv", getenv),
		"setenv":       starlark.NewBuiltin("setenv", setenv),
		"prepend_path": starlark.NewBuiltin("prepend_path", prependPathDir),
		"read_yaml":    starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":        starlark.NewBuiltin("isdir", starIsdir),
		"isfile":       starlark.NewBuiltin("isfile", starIsfile),
		"execute":      starlark.NewBuiltin("execute", starExec),
		"task":         starlark.NewBuiltin("task", task),
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		envOverrides: make(map[string]string),
		tasks:        make([]*Task, 0),
		yamlCache:    make(map[string]interface{}),
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", &threadCtx)

	shortName := threadCtx.simplify(filename)
	globals, err := starlark.ExecFile(thread, shortName, script, builtins)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, eris.Errorf("failed to execute %s:\n%s", shortName, evalError.Backtrace())
		}
		return nil, nil, eris.Wrapf(err, "failed to execute %s", shortName)
	}

	for name := range options {
		if _, declared := threadCtx.options[name]; !declared {
			log(ctx).Debug().Msgf("option %s was passed but %s doesn't declare it", name, shortName)
		}
	}

	tasks := TaskList{}
	if !doConfigure {
		return tasks, threadCtx.options, nil
	}

	configure, ok := globals["configure"]
	if !ok {
		return nil, nil, eris.Errorf("%s did not declare a configure function", shortName)
	}

	configureFunc, ok := configure.(starlark.Callable)
	if !ok {
		return nil, nil, eris.Errorf("%s did declare a configure value but it's not a function", shortName)
	}

	threadCtx.initPhase = false
	_, err = starlark.Call(thread, configureFunc, nil, nil)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, eris.New(evalError.Backtrace())
		}
		return nil, nil, eris.Wrapf(err, "failed configure call in %s", shortName)
	}

	for _, task := range threadCtx.tasks {
		tasks[task.Short] = task
	}

	// env overrides made by setenv() apply to every task, including inline ones
	visited := map[*Task]bool{}
	var applyEnv func(task *Task)
	applyEnv = func(task *Task) {
		if visited[task] {
			return
		}
		visited[task] = true

		for name, value := range threadCtx.envOverrides {
			if _, present := task.Env[name]; !present {
				task.Env[name] = value
			}
		}

		for _, cmd := range task.Cmds {
			if ref, ok := cmd.(TaskCmdTaskRef); ok && ref.Task != nil {
				applyEnv(ref.Task)
			}
		}
	}
	for _, task := range threadCtx.tasks {
		applyEnv(task)
	}

	return tasks, threadCtx.options, nil
}
