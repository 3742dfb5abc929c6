package buildsys

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func runOpts(root string) RunOptions {
	return RunOptions{
		ProjectRoot: root,
		Stdout:      io.Discard,
		Stderr:      io.Discard,
	}
}

func readLog(t *testing.T, path string) string {
	t.Helper()

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ""
		}
		t.Fatal(err)
	}
	return string(content)
}

func TestRunTaskOrder(t *testing.T) {
	dir := t.TempDir()
	tasks := loadTasks(t, dir, `
def configure():
    task("a", cmds = ["echo a >> log.txt"])
    task("b", deps = ["a"], cmds = ["echo b >> log.txt"])
    task("c", deps = ["a", "b"], cmds = [
        "echo c >> log.txt",
        task(cmds = ["echo inline >> log.txt"]),
    ])
`, nil)

	if err := RunTask(context.Background(), "c", tasks, runOpts(dir)); err != nil {
		t.Fatal(err)
	}

	want := "a\nb\nc\ninline\n"
	if got := readLog(t, filepath.Join(dir, "log.txt")); got != want {
		t.Errorf("log = %q, want %q", got, want)
	}
}

func TestRunTasksSharesDeps(t *testing.T) {
	dir := t.TempDir()
	tasks := loadTasks(t, dir, `
def configure():
    task("type", cmds = ["echo type >> log.txt"])
    task("lint", cmds = ["echo lint >> log.txt"])
    task("test", deps = ["type"], cmds = ["echo test >> log.txt"])
    task("all", deps = ["lint", "test"])
`, nil)

	err := RunTasks(context.Background(), []string{"type", "all"}, tasks, runOpts(dir))
	if err != nil {
		t.Fatal(err)
	}

	want := "type\nlint\ntest\n"
	if got := readLog(t, filepath.Join(dir, "log.txt")); got != want {
		t.Errorf("log = %q, want %q", got, want)
	}
}

func TestRunTaskOutput(t *testing.T) {
	dir := t.TempDir()
	tasks := loadTasks(t, dir, `
def configure():
    task("greet", env = {"NAME": "oligo"}, cmds = ["echo hello $NAME", "echo oops >&2"])
`, nil)

	var stdout, stderr bytes.Buffer
	opts := runOpts(dir)
	opts.Stdout = &stdout
	opts.Stderr = &stderr

	if err := RunTask(context.Background(), "greet", tasks, opts); err != nil {
		t.Fatal(err)
	}

	if stdout.String() != "hello oligo\n" {
		t.Errorf("stdout = %q", stdout.String())
	}

	if stderr.String() != "oops\n" {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunTaskExitStatus(t *testing.T) {
	dir := t.TempDir()
	tasks := loadTasks(t, dir, `
def configure():
    task("fail", cmds = ["echo before >> log.txt", "exit 3", "echo after >> log.txt"])
    task("top", deps = ["fail"], cmds = ["echo top >> log.txt"])
`, nil)

	err := RunTask(context.Background(), "top", tasks, runOpts(dir))
	if err == nil {
		t.Fatal("expected an error")
	}

	status, ok := ExitStatus(err)
	if !ok || status != 3 {
		t.Fatalf("ExitStatus = %d, %v (err: %v)", status, ok, err)
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected a CommandError, got %T", err)
	}

	if cmdErr.Task != "fail" || cmdErr.Command != "exit 3" {
		t.Errorf("unexpected error details: %+v", cmdErr)
	}

	if !equalStrings(cmdErr.Via, []string{"top"}) {
		t.Errorf("via = %v", cmdErr.Via)
	}

	if !strings.Contains(cmdErr.Error(), "required by top") {
		t.Errorf("error message %q doesn't mention the dependent task", cmdErr.Error())
	}

	if got := readLog(t, filepath.Join(dir, "log.txt")); got != "before\n" {
		t.Errorf("log = %q", got)
	}
}

func TestRunTaskPosixCommands(t *testing.T) {
	dir := t.TempDir()
	tasks := loadTasks(t, dir, `
def configure():
    task("shuffle", cmds = [
        "mkdir -p build/out",
        "echo data > build/file.txt",
        "mv build/file.txt build/out",
        "rm -r build/out",
        "rm -f build/missing.txt",
    ])
`, nil)

	if err := RunTask(context.Background(), "shuffle", tasks, runOpts(dir)); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "build", "out")); !os.IsNotExist(err) {
		t.Errorf("build/out should be gone, stat returned %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "build")); err != nil {
		t.Errorf("build should still exist: %v", err)
	}
}

func TestRunTaskPosixFailure(t *testing.T) {
	dir := t.TempDir()
	tasks := loadTasks(t, dir, `
def configure():
    task("broken", cmds = ["rm missing.txt"])
`, nil)

	var stderr bytes.Buffer
	opts := runOpts(dir)
	opts.Stderr = &stderr

	err := RunTask(context.Background(), "broken", tasks, opts)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected a CommandError, got %v", err)
	}
	if cmdErr.Status != 1 || cmdErr.Task != "broken" || cmdErr.Command != "rm missing.txt" {
		t.Errorf("CommandError = %+v", cmdErr)
	}
	if status, ok := ExitStatus(err); !ok || status != 1 {
		t.Fatalf("ExitStatus = %d, %v (err: %v)", status, ok, err)
	}

	if !strings.HasPrefix(stderr.String(), "rm: ") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestDryRun(t *testing.T) {
	dir := t.TempDir()
	tasks := loadTasks(t, dir, `
def configure():
    task("a", cmds = ["echo a > out.txt", "exit 5"])
`, nil)

	opts := runOpts(dir)
	opts.DryRun = true
	if err := RunTask(context.Background(), "a", tasks, opts); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "out.txt")); !os.IsNotExist(err) {
		t.Errorf("dry run should not create files")
	}
}

func TestUnknownTask(t *testing.T) {
	dir := t.TempDir()
	tasks := loadTasks(t, dir, "def configure():\n    task(\"a\")\n", nil)

	err := RunTask(context.Background(), "nope", tasks, runOpts(dir))
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v", err)
	}
}

func TestCycleDetection(t *testing.T) {
	dir := t.TempDir()
	tasks := loadTasks(t, dir, `
def configure():
    task("a", deps = ["b"], cmds = ["echo a >> log.txt"])
    task("b", deps = ["a"], cmds = ["echo b >> log.txt"])
`, nil)

	if _, err := Validate(tasks); err == nil {
		t.Fatal("expected a cycle error")
	}

	if err := RunTask(context.Background(), "a", tasks, runOpts(dir)); err == nil {
		t.Fatal("expected a cycle error")
	}

	if got := readLog(t, filepath.Join(dir, "log.txt")); got != "" {
		t.Errorf("no command should have run, log = %q", got)
	}
}

func TestUnknownDependency(t *testing.T) {
	dir := t.TempDir()
	tasks := loadTasks(t, dir, "def configure():\n    task(\"a\", deps = [\"ghost\"])\n", nil)

	_, err := Validate(tasks)
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Errorf("err = %v", err)
	}
}

func TestValidateOrder(t *testing.T) {
	dir := t.TempDir()
	tasks := loadTasks(t, dir, `
def configure():
    task("all", deps = ["lint", "test"])
    task("test", deps = ["type"])
    task("type")
    task("lint")
    task("publish")
`, nil)

	order, err := Validate(tasks)
	if err != nil {
		t.Fatal(err)
	}

	pos := map[string]int{}
	for idx, name := range order {
		pos[name] = idx
	}

	if len(order) != 5 {
		t.Fatalf("order = %v", order)
	}

	if pos["type"] > pos["test"] || pos["test"] > pos["all"] || pos["lint"] > pos["all"] {
		t.Errorf("dependencies must come first: %v", order)
	}
}

func TestPlan(t *testing.T) {
	root := t.TempDir()
	tasks, _, err := RunScript(context.Background(), filepath.Join(root, TaskFileName), DefaultScript(), root, nil, true)
	if err != nil {
		t.Fatal(err)
	}

	plan, err := Plan(tasks, "all", "type")
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"lint", "type", "test", "all"}
	if !equalStrings(plan, want) {
		t.Errorf("plan = %v, want %v", plan, want)
	}

	if _, err = Plan(tasks, "missing"); err == nil {
		t.Error("planning an unknown task should fail")
	}
}

func TestSkipIfExists(t *testing.T) {
	dir := t.TempDir()
	tasks := loadTasks(t, dir, `
def configure():
    task("setup", skip_if_exists = ["marker", ".venv"], cmds = ["echo ran >> log.txt"])
`, nil)
	logPath := filepath.Join(dir, "log.txt")

	// only one of the two paths exists
	if err := os.WriteFile(filepath.Join(dir, "marker"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := RunTask(context.Background(), "setup", tasks, runOpts(dir)); err != nil {
		t.Fatal(err)
	}
	if got := readLog(t, logPath); got != "ran\n" {
		t.Fatalf("log = %q", got)
	}

	if err := os.Mkdir(filepath.Join(dir, ".venv"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := RunTask(context.Background(), "setup", tasks, runOpts(dir)); err != nil {
		t.Fatal(err)
	}
	if got := readLog(t, logPath); got != "ran\n" {
		t.Errorf("task should have been skipped, log = %q", got)
	}

	opts := runOpts(dir)
	opts.Force = true
	if err := RunTask(context.Background(), "setup", tasks, opts); err != nil {
		t.Fatal(err)
	}
	if got := readLog(t, logPath); got != "ran\nran\n" {
		t.Errorf("forced task should run, log = %q", got)
	}
}

func TestInputsOutputs(t *testing.T) {
	dir := t.TempDir()
	tasks := loadTasks(t, dir, `
def configure():
    task("build", inputs = ["src/*.py"], outputs = ["//dist/out.txt"], cmds = [
        "mkdir -p dist",
        "echo built >> dist/out.txt",
    ])
`, nil)

	srcDir := filepath.Join(dir, "src")
	if err := os.Mkdir(srcDir, 0o700); err != nil {
		t.Fatal(err)
	}
	input := filepath.Join(srcDir, "main.py")
	if err := os.WriteFile(input, []byte("print()"), 0o600); err != nil {
		t.Fatal(err)
	}

	output := filepath.Join(dir, "dist", "out.txt")
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(input, old, old); err != nil {
		t.Fatal(err)
	}

	// missing output
	if err := RunTask(context.Background(), "build", tasks, runOpts(dir)); err != nil {
		t.Fatal(err)
	}
	if got := readLog(t, output); got != "built\n" {
		t.Fatalf("output = %q", got)
	}

	// output is newer than every input
	if err := RunTask(context.Background(), "build", tasks, runOpts(dir)); err != nil {
		t.Fatal(err)
	}
	if got := readLog(t, output); got != "built\n" {
		t.Errorf("up to date task should be skipped, output = %q", got)
	}

	// input changed after the last build
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(input, future, future); err != nil {
		t.Fatal(err)
	}
	if err := RunTask(context.Background(), "build", tasks, runOpts(dir)); err != nil {
		t.Fatal(err)
	}
	if got := readLog(t, output); got != "built\nbuilt\n" {
		t.Errorf("stale task should run, output = %q", got)
	}
}

func TestCanceledContext(t *testing.T) {
	dir := t.TempDir()
	tasks := loadTasks(t, dir, "def configure():\n    task(\"a\", cmds = [\"echo a >> log.txt\"])\n", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunTask(ctx, "a", tasks, runOpts(dir))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestCommandErrorMessage(t *testing.T) {
	err := &CommandError{Task: "type", Command: "poetry run mypy openoligo", Status: 2, Via: []string{"test", "all"}}
	want := `task type: command "poetry run mypy openoligo" exited with status 2 (required by test <- all)`
	if err.Error() != want {
		t.Errorf("Error() = %s", err.Error())
	}

	if _, ok := ExitStatus(errors.New("plain")); ok {
		t.Error("plain errors don't carry an exit status")
	}
}
