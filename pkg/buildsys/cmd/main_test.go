package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/technoculture/openoligo-tools/pkg/buildsys"
)

func TestUndeclaredOptions(t *testing.T) {
	declared := map[string]buildsys.ScriptOption{
		"lib":   {DefaultValue: "openoligo"},
		"entry": {DefaultValue: "openoligo/api/server.py"},
	}

	got := undeclaredOptions(map[string]string{"lbi": "foo", "lib": "bar", "verbose": "1"}, declared)
	if len(got) != 2 || got[0] != "lbi" || got[1] != "verbose" {
		t.Errorf("undeclaredOptions = %v", got)
	}

	if got = undeclaredOptions(map[string]string{"lib": "bar"}, declared); len(got) != 0 {
		t.Errorf("declared options reported: %v", got)
	}
}

func TestTaskWarnsAboutUndeclaredOptions(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"pyproject.toml":      "",
		buildsys.TaskFileName: "lib = option(\"lib\", \"openoligo\")\n\ndef configure():\n    task(\"noop\", desc = lib)\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(root, name), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(root); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	var stdout, stderr bytes.Buffer
	RootCmd.SetOut(&stdout)
	RootCmd.SetErr(&stderr)
	RootCmd.SetArgs([]string{"--no-cache", "lbi=foo", "lib=bar", "help"})
	if err := RootCmd.Execute(); err != nil {
		t.Fatal(err)
	}

	out := ansiCodes.ReplaceAllString(stderr.String(), "")
	if !strings.Contains(out, "ignoring option lbi=foo") {
		t.Errorf("missing warning for the mistyped option:\n%s", out)
	}
	// entry comes from the config defaults, not the command line
	for _, name := range []string{"lib", "entry"} {
		if strings.Contains(out, "ignoring option "+name+"=") {
			t.Errorf("unexpected warning for %s:\n%s", name, out)
		}
	}

	if !strings.Contains(stdout.String(), " * lib=openoligo") {
		t.Errorf("usage = %q", stdout.String())
	}
}
