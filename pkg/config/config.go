package config

import (
	"path/filepath"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// FileName is the optional configuration file in the project root.
const FileName = "oligo.toml"

// Config describes all configuration options
type Config struct {
	Log struct {
		Level string `default:"info" usage:"Minimum log level (debug, info, warn, error)"`
		JSON  bool   `default:"false" usage:"Output JSON lines instead of colored console messages"`
		Debug bool   `default:"false" usage:"Show every log field and full error traces"`
	}
	Project struct {
		Lib   string `default:"openoligo" usage:"Python package the default tasks operate on"`
		Entry string `default:"openoligo/api/server.py" usage:"Application entry point for the run task"`
	}
	Tasks struct {
		File  string `usage:"Task script to use instead of searching for tasks.star"`
		Cache string `default:".oligo/tasks.cache" usage:"Parse cache location relative to the project root, empty to disable"`
	}
}

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object. Values
// come from defaults, <projectRoot>/oligo.toml and OLIGO_* environment variables, in that order.
func Loader(projectRoot string) (*Config, *aconfig.Loader) {
	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "OLIGO",
		// flags belong to cobra
		SkipFlags: true,
		Files:     []string{filepath.Join(projectRoot, FileName)},
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load runs the loader and validates the result.
func Load(projectRoot string) (*Config, error) {
	cfg, loader := Loader(projectRoot)
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	if _, ok := logLevels[cfg.Log.Level]; !ok {
		return eris.Errorf(`invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.Project.Lib == "" {
		return eris.New("project.lib must not be empty")
	}

	if cfg.Project.Entry == "" {
		return eris.New("project.entry must not be empty")
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// ScriptOptions returns the values passed to the task script's option() calls. Values given on
// the command line take precedence.
func (cfg *Config) ScriptOptions(overrides map[string]string) map[string]string {
	options := map[string]string{
		"lib":   cfg.Project.Lib,
		"entry": cfg.Project.Entry,
	}

	for k, v := range overrides {
		options[k] = v
	}
	return options
}

// CacheFile resolves the cache location. It is empty if caching is disabled.
func (cfg *Config) CacheFile(projectRoot string) string {
	if cfg.Tasks.Cache == "" {
		return ""
	}
	if filepath.IsAbs(cfg.Tasks.Cache) {
		return cfg.Tasks.Cache
	}
	return filepath.Join(projectRoot, cfg.Tasks.Cache)
}
