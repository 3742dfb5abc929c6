// Package posix contains portable versions of the few POSIX file commands task scripts rely on.
// The task runner calls them in-process instead of the platform's rm, mv and mkdir so that
// scripts behave the same on Windows.
package posix

import (
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
)

type command func(dir string, args []string) error

var commands = map[string]command{
	"mv":    runMove,
	"rm":    runRemove,
	"mkdir": runMkdir,
}

// Handles reports whether name is implemented by this package.
func Handles(name string) bool {
	_, ok := commands[name]
	return ok
}

// Run executes args (including the command name) with relative paths resolved against dir.
func Run(dir string, args []string) error {
	if len(args) == 0 {
		return eris.New("no command given")
	}

	cmd, ok := commands[args[0]]
	if !ok {
		return eris.Errorf("unsupported command %s", args[0])
	}

	return cmd(dir, args[1:])
}

func newFlags(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	// errors are reported by the caller
	flags.SetOutput(io.Discard)
	return flags
}

func resolve(dir, path string) string {
	if dir == "" || filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(dir, path)
}

// Expand resolves patterns on Windows where the shell doesn't glob for us.
func Expand(dir string, args []string, allowEmpty bool) ([]string, error) {
	items := make([]string, 0, len(args))
	for _, arg := range args {
		arg = resolve(dir, arg)
		if runtime.GOOS != "windows" {
			items = append(items, arg)
			continue
		}

		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", arg)
		}

		if matches == nil {
			if allowEmpty {
				continue
			}
			return nil, eris.Errorf("pattern %s produced no matches", arg)
		}

		items = append(items, matches...)
	}
	return items, nil
}

func runMove(dir string, args []string) error {
	flags := newFlags("mv")
	if err := flags.Parse(args); err != nil {
		return err
	}
	args = flags.Args()
	if len(args) < 2 {
		return eris.New("not enough parameters")
	}

	sources, err := Expand(dir, args[:len(args)-1], false)
	if err != nil {
		return err
	}

	return Move(sources, resolve(dir, args[len(args)-1]))
}

// Move moves sources into dest. If dest is an existing directory, the sources keep their base
// names inside it. A single source may also be renamed to dest.
func Move(sources []string, dest string) error {
	dest = filepath.Clean(dest)
	destParent := filepath.Dir(dest)
	info, err := os.Stat(destParent)
	if err != nil {
		return eris.Wrapf(err, "could not find destination directory %s", destParent)
	}

	if !info.IsDir() {
		return eris.Errorf("%s is not a directory", destParent)
	}

	destIsDir := false
	info, err = os.Stat(dest)
	if err == nil {
		destIsDir = info.IsDir()
	} else if !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "failed to retrieve info about destination %s", dest)
	}

	if len(sources) > 1 && !destIsDir {
		return eris.Errorf("can't move multiple items to %s because it is not a directory", dest)
	}

	for _, item := range sources {
		itemDest := dest
		if destIsDir {
			itemDest = filepath.Join(dest, filepath.Base(item))
		}

		if err = os.Rename(item, itemDest); err != nil {
			return eris.Wrapf(err, "failed to move %s to %s", item, itemDest)
		}
	}

	return nil
}

func runRemove(dir string, args []string) error {
	flags := newFlags("rm")
	recursive := flags.BoolP("recursive", "r", false, "recursively delete directories")
	force := flags.BoolP("force", "f", false, "ignore missing files")
	if err := flags.Parse(args); err != nil {
		return err
	}

	items, err := Expand(dir, flags.Args(), *force)
	if err != nil {
		return err
	}

	return Remove(items, *recursive, *force)
}

// Remove deletes items. Directories need recursive, missing items are only fine with force.
func Remove(items []string, recursive, force bool) error {
	for _, item := range items {
		info, err := os.Stat(item)
		if err != nil {
			if force && eris.Is(err, os.ErrNotExist) {
				continue
			}
			return eris.Wrapf(err, "could not stat %s", item)
		}

		if info.IsDir() && !recursive {
			return eris.Errorf("%s is a directory but -r wasn't passed", item)
		}
	}

	for _, item := range items {
		err := os.RemoveAll(item)
		if err != nil && (!force || !eris.Is(err, os.ErrNotExist)) {
			return eris.Wrapf(err, "could not delete %s", item)
		}
	}

	return nil
}

func runMkdir(dir string, args []string) error {
	flags := newFlags("mkdir")
	parents := flags.BoolP("parents", "p", false, "create parent directories as needed")
	if err := flags.Parse(args); err != nil {
		return err
	}

	items := make([]string, 0, len(flags.Args()))
	for _, item := range flags.Args() {
		items = append(items, resolve(dir, item))
	}

	return Mkdir(items, *parents)
}

// Mkdir creates directories. With parents, missing parents are created and existing
// directories are not an error.
func Mkdir(items []string, parents bool) error {
	for _, item := range items {
		var err error
		if parents {
			err = os.MkdirAll(item, 0o770)
		} else {
			err = os.Mkdir(item, 0o770)
		}

		if err != nil {
			return eris.Wrapf(err, "failed to create %s", item)
		}
	}

	return nil
}
