package deps

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

const (
	// FileName lists the pinned tool archives, relative to the project root.
	FileName = "DEPS.yml"
	// StampsName records which archives are already extracted.
	StampsName = "DEPS.stamps"
)

// Spec describes a single archive.
type Spec struct {
	// Condition and Rejections are comma separated variable names which must be set (or unset).
	Condition  string `yaml:"if,omitempty"`
	Rejections string `yaml:"ifNot,omitempty"`
	URL        string
	Dest       string
	Sha256     string
	// Strip drops that many leading path elements from every archive entry.
	Strip    int
	MarkExec []string `yaml:"markExec,omitempty"`
}

// Config is the parsed DEPS.yml.
type Config struct {
	Vars map[string]string
	Deps map[string]Spec
}

// LoadConfig reads DEPS.yml from the project root. The raw content is returned as well so
// checksum updates can preserve the file's formatting.
func LoadConfig(projectRoot string) (Config, string, error) {
	var cfg Config
	cfgPath := filepath.Join(projectRoot, FileName)
	cfgData, err := os.ReadFile(cfgPath)
	if err != nil {
		return cfg, "", eris.Wrapf(err, "could not open file %s", cfgPath)
	}

	err = yaml.Unmarshal(cfgData, &cfg)
	if err != nil {
		return cfg, "", eris.Wrapf(err, "failed to parse %s", cfgPath)
	}

	if cfg.Vars == nil {
		cfg.Vars = map[string]string{}
	}

	return cfg, string(cfgData), nil
}

// LoadStamps reads DEPS.stamps. A missing file yields an empty map.
func LoadStamps(projectRoot string) (map[string]string, error) {
	stamps := map[string]string{}
	stampPath := filepath.Join(projectRoot, StampsName)
	stampData, err := os.ReadFile(stampPath)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return stamps, nil
		}
		return nil, eris.Wrapf(err, "failed to read stamps file %s", stampPath)
	}

	if err = json.Unmarshal(stampData, &stamps); err != nil {
		return nil, eris.Wrapf(err, "failed to parse JSON file %s", stampPath)
	}
	return stamps, nil
}

// SaveStamps writes DEPS.stamps.
func SaveStamps(projectRoot string, stamps map[string]string) error {
	stampData, err := json.MarshalIndent(stamps, "", "  ")
	if err != nil {
		return eris.Wrap(err, "failed to encode stamps")
	}

	stampPath := filepath.Join(projectRoot, StampsName)
	if err = os.WriteFile(stampPath, stampData, 0o660); err != nil {
		return eris.Wrapf(err, "failed to write %s", stampPath)
	}
	return nil
}

// Vars returns the configured variables plus the platform flags (GOOS, GOARCH and ci) that
// conditions can test for.
func Vars(cfg Config) map[string]string {
	vars := make(map[string]string, len(cfg.Vars)+3)
	for k, v := range cfg.Vars {
		vars[k] = v
	}

	vars[runtime.GOARCH] = "true"
	vars[runtime.GOOS] = "true"
	if os.Getenv("CI") == "true" {
		vars["ci"] = "true"
	}
	return vars
}

var varMatcher = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// EvalConditions substitutes {VAR} placeholders in meta.URL and reports whether the
// dependency applies to this platform.
func EvalConditions(meta *Spec, vars map[string]string) bool {
	meta.URL = varMatcher.ReplaceAllStringFunc(meta.URL, func(varName string) string {
		return vars[varName[1:len(varName)-1]]
	})

	for _, condition := range strings.Split(meta.Condition, ",") {
		condition = strings.TrimSpace(condition)
		if condition == "" {
			continue
		}

		if vars[condition] == "" {
			return false
		}
	}

	for _, condition := range strings.Split(meta.Rejections, ",") {
		condition = strings.TrimSpace(condition)
		if condition == "" {
			continue
		}

		if vars[condition] != "" {
			return false
		}
	}
	return true
}

// UpdateChecksums rewrites the sha256 values in the raw DEPS.yml content without touching the
// rest of the file.
func UpdateChecksums(raw string, cfg Config, changes map[string]string) (string, error) {
	generated := raw
	for name, newChecksum := range changes {
		header := name + ":\n"
		pos := strings.Index(generated, header)
		if pos == -1 {
			return "", eris.Errorf("failed to find the section for %s", name)
		}

		section := generated[pos:]
		if end := strings.Index(section, "\n\n"); end != -1 {
			section = section[:end+1]
		}

		oldChecksum := cfg.Deps[name].Sha256
		if oldChecksum == "" {
			// insert the checksum as the first key of the section, using its indentation
			start := pos + len(header)
			indent := "  "
			rest := generated[start:]
			trimmed := strings.TrimLeft(rest, " ")
			if len(trimmed) < len(rest) {
				indent = rest[:len(rest)-len(trimmed)]
			}

			generated = generated[:start] + indent + "sha256: " + newChecksum + "\n" + generated[start:]
			continue
		}

		subPos := strings.Index(section, "sha256: "+oldChecksum)
		if subPos == -1 {
			return "", eris.Errorf("couldn't find the checksum of %s", name)
		}

		start := pos + subPos + len("sha256: ")
		generated = generated[:start] + newChecksum + generated[start+len(oldChecksum):]
	}

	return generated, nil
}
