package buildsys

import (
	"context"
	_ "embed"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// TaskFileName is the script looked up by FindTaskFile.
const TaskFileName = "tasks.star"

//go:embed openoligo.star
var defaultScript []byte

// DefaultScript returns the built-in openoligo task script.
func DefaultScript() []byte {
	return append([]byte(nil), defaultScript...)
}

// LoadOptions describes where to find the task script and how to configure it.
type LoadOptions struct {
	ProjectRoot string
	// File overrides the task script lookup. Relative paths are resolved against the working
	// directory.
	File string
	// CacheFile enables the parse cache if not empty.
	CacheFile string
	// Options are passed to option() calls in the script.
	Options map[string]string
}

// Script is a loaded task script.
type Script struct {
	// Path is empty for the built-in script.
	Path    string
	Tasks   TaskList
	Options map[string]ScriptOption
	Cached  bool
}

// FindTaskFile walks up from start until it finds a tasks.star file. It returns an empty path
// if it reaches the file system root without finding one.
func FindTaskFile(start string) (string, error) {
	path, err := filepath.Abs(start)
	if err != nil {
		return "", eris.Wrap(err, "failed to resolve start directory")
	}

	for {
		taskPath := filepath.Join(path, TaskFileName)
		_, err := os.Stat(taskPath)
		if err == nil {
			return taskPath, nil
		}
		if !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "failed to check %s", taskPath)
		}

		parent := filepath.Dir(path)
		if parent == path {
			return "", nil
		}
		path = parent
	}
}

// Load reads, evaluates and (optionally) caches the task script for a project.
func Load(ctx context.Context, opts LoadOptions) (*Script, error) {
	root, err := filepath.Abs(opts.ProjectRoot)
	if err != nil {
		return nil, eris.Wrap(err, "failed to resolve project root")
	}

	result := &Script{Path: opts.File}
	if result.Path == "" {
		result.Path, err = FindTaskFile(root)
		if err != nil {
			return nil, err
		}
	}

	var script []byte
	filename := result.Path
	if filename == "" {
		log(ctx).Debug().Msg("no tasks.star found, using the built-in openoligo tasks")
		script = DefaultScript()
		// the built-in script behaves as if it lived in the project root
		filename = filepath.Join(root, TaskFileName)
	} else {
		script, err = os.ReadFile(filename)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read %s", filename)
		}
	}

	key := CacheKey(append([]byte(filename+"\x00"), script...), opts.Options)
	if opts.CacheFile != "" {
		tasks, options, found, err := ReadCache(opts.CacheFile, key)
		if err != nil {
			log(ctx).Warn().Err(err).Msg("ignoring unreadable task cache")
		} else if found {
			result.Tasks = tasks
			result.Options = options
			result.Cached = true
			return result, nil
		}
	}

	result.Tasks, result.Options, err = RunScript(ctx, filename, script, root, opts.Options, true)
	if err != nil {
		return nil, err
	}

	if opts.CacheFile != "" {
		err = WriteCache(opts.CacheFile, key, result.Options, result.Tasks)
		if err != nil {
			log(ctx).Warn().Err(err).Msg("failed to write task cache")
		}
	}

	return result, nil
}
