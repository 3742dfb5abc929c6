// Package buildsys implements the task runner behind oligo. Tasks are declared in Starlark
// scripts (tasks.star) and their commands run in mvdan.cc/sh's portable shell interpreter,
// so the same task file works on Linux, macOS and Windows without make or a POSIX shell.
//
// A project without its own tasks.star gets the built-in openoligo script (see DefaultScript)
// which wraps poetry, black, isort, flake8, pylint, mypy and pytest.
package buildsys
