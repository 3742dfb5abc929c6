package pkg

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// Collaborator is an external program the default tasks shell out to.
type Collaborator struct {
	Name string
	// Required tools are called directly. The others run through "poetry run" and usually
	// live in the project's virtualenv.
	Required bool
	Purpose  string
	// MinVersion is checked by ProbeVersions if set.
	MinVersion string
}

// Collaborators lists the tools used by the built-in openoligo tasks.
var Collaborators = []Collaborator{
	{Name: "poetry", Required: true, Purpose: "dependency manager and publisher", MinVersion: "1.2.0"},
	{Name: "python", Purpose: "runs the entry point", MinVersion: "3.8.0"},
	{Name: "black", Purpose: "code formatter"},
	{Name: "isort", Purpose: "import sorter"},
	{Name: "flake8", Purpose: "linter"},
	{Name: "pylint", Purpose: "linter"},
	{Name: "mypy", Purpose: "type checker"},
	{Name: "pytest", Purpose: "test runner"},
}

// ToolStatus is the result of looking up a Collaborator.
type ToolStatus struct {
	Collaborator
	Path  string
	Found bool

	// filled in by ProbeVersions
	Version  *semver.Version
	Outdated bool
}

// ToolsDir is where fetch-deps puts downloaded tools. Its bin directory is searched first.
func ToolsDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".tools")
}

func lookTool(projectRoot, name string) (string, bool) {
	candidates := []string{name}
	if runtime.GOOS == "windows" {
		candidates = append(candidates, name+".exe", name+".cmd", name+".bat")
	}

	for _, candidate := range candidates {
		local := filepath.Join(ToolsDir(projectRoot), "bin", candidate)
		if info, err := os.Stat(local); err == nil && !info.IsDir() {
			return local, true
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", false
	}
	return path, true
}

// CheckTools looks up every tool. The error lists the required tools that are missing.
func CheckTools(projectRoot string, tools []Collaborator) ([]ToolStatus, error) {
	result := make([]ToolStatus, 0, len(tools))
	missing := []string{}

	for _, tool := range tools {
		path, found := lookTool(projectRoot, tool.Name)
		result = append(result, ToolStatus{Collaborator: tool, Path: path, Found: found})

		if !found && tool.Required {
			missing = append(missing, tool.Name)
		}
	}

	if len(missing) > 0 {
		return result, eris.Errorf("required tools missing: %v", missing)
	}
	return result, nil
}

var versionPattern = regexp.MustCompile(`\d+\.\d+(\.\d+)?`)

// ParseVersion extracts the first version number from a tool's --version output, e.g.
// "Poetry (version 1.4.2)" or "Python 3.11.2".
func ParseVersion(output string) (*semver.Version, error) {
	match := versionPattern.FindString(output)
	if match == "" {
		return nil, eris.Errorf("no version number in %q", output)
	}

	version, err := semver.NewVersion(match)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse version %s", match)
	}
	return version, nil
}

// ProbeVersions runs "<tool> --version" for every found tool, at most limit at a time, and
// records the version. Tools that don't report a parsable version are left alone.
func ProbeVersions(ctx context.Context, status []ToolStatus, limit int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for idx := range status {
		tool := &status[idx]
		if !tool.Found {
			continue
		}

		g.Go(func() error {
			out, err := exec.CommandContext(gctx, tool.Path, "--version").CombinedOutput()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return nil
			}

			version, err := ParseVersion(string(out))
			if err != nil {
				return nil
			}
			tool.Version = version

			if tool.MinVersion != "" {
				minVersion, err := semver.NewVersion(tool.MinVersion)
				if err != nil {
					return eris.Wrapf(err, "invalid minimum version for %s", tool.Name)
				}
				tool.Outdated = version.LessThan(minVersion)
			}
			return nil
		})
	}

	return g.Wait()
}
