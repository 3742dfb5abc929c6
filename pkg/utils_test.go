package pkg

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestGetProjectRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "pyproject.toml"), []byte("[tool.poetry]\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	sub := filepath.Join(root, "openoligo", "api")
	if err := os.MkdirAll(sub, 0o700); err != nil {
		t.Fatal(err)
	}

	got, err := GetProjectRoot(sub)
	if err != nil {
		t.Fatal(err)
	}
	if got != root {
		t.Errorf("GetProjectRoot = %q, want %q", got, root)
	}
}

func TestCheckTools(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script as fake tool")
	}

	root := t.TempDir()
	binDir := filepath.Join(ToolsDir(root), "bin")
	if err := os.MkdirAll(binDir, 0o700); err != nil {
		t.Fatal(err)
	}

	fake := filepath.Join(binDir, "oligo-fake-tool")
	if err := os.WriteFile(fake, []byte("#!/bin/sh\n"), 0o700); err != nil {
		t.Fatal(err)
	}

	tools := []Collaborator{
		{Name: "oligo-fake-tool", Required: true},
		{Name: "oligo-missing-tool"},
	}

	status, err := CheckTools(root, tools)
	if err != nil {
		t.Fatal(err)
	}

	if !status[0].Found || status[0].Path != fake {
		t.Errorf("local tool = %+v", status[0])
	}

	if status[1].Found {
		t.Errorf("missing tool reported as found: %+v", status[1])
	}

	tools[1].Required = true
	if _, err = CheckTools(root, tools); err == nil {
		t.Error("missing required tools must fail")
	}
}

func TestParseVersion(t *testing.T) {
	cases := map[string]string{
		"Poetry (version 1.4.2)":                 "1.4.2",
		"Python 3.11":                            "3.11.0",
		"mypy 1.0.1 (compiled: yes)":             "1.0.1",
		"pytest 7.2.0\nplugins: anyio-3.6.2\n": "7.2.0",
	}

	for input, want := range cases {
		version, err := ParseVersion(input)
		if err != nil {
			t.Errorf("%q: %v", input, err)
			continue
		}
		if version.String() != want {
			t.Errorf("%q: got %s, want %s", input, version, want)
		}
	}

	if _, err := ParseVersion("unknown"); err == nil {
		t.Error("output without a version should fail")
	}
}

func TestProbeVersions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses shell scripts as fake tools")
	}

	root := t.TempDir()
	binDir := filepath.Join(ToolsDir(root), "bin")
	if err := os.MkdirAll(binDir, 0o700); err != nil {
		t.Fatal(err)
	}

	scripts := map[string]string{
		"oligo-old":   "#!/bin/sh\necho 'Poetry (version 1.1.15)'\n",
		"oligo-new":   "#!/bin/sh\necho 'Poetry (version 1.4.2)'\n",
		"oligo-quiet": "#!/bin/sh\nexit 1\n",
	}
	for name, content := range scripts {
		if err := os.WriteFile(filepath.Join(binDir, name), []byte(content), 0o700); err != nil {
			t.Fatal(err)
		}
	}

	status, err := CheckTools(root, []Collaborator{
		{Name: "oligo-old", MinVersion: "1.2.0"},
		{Name: "oligo-new", MinVersion: "1.2.0"},
		{Name: "oligo-quiet", MinVersion: "1.2.0"},
		{Name: "oligo-absent"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err = ProbeVersions(context.Background(), status, 2); err != nil {
		t.Fatal(err)
	}

	if status[0].Version == nil || status[0].Version.String() != "1.1.15" || !status[0].Outdated {
		t.Errorf("old tool = %+v", status[0])
	}

	if status[1].Version == nil || status[1].Outdated {
		t.Errorf("new tool = %+v", status[1])
	}

	if status[2].Version != nil || status[3].Version != nil {
		t.Error("tools without a version must be left alone")
	}
}
