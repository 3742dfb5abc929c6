package deps

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/schollz/progressbar/v3"
)

// tarEntry keeps archive order, which matters for links that later entries pass through.
type tarEntry struct {
	name    string
	content string
	link    string
}

func extractEntries(t *testing.T, dest string, entries []tarEntry) error {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, entry := range entries {
		hdr := &tar.Header{Name: entry.name, Mode: 0o644, Size: int64(len(entry.content)), Typeflag: tar.TypeReg}
		if entry.link != "" {
			hdr = &tar.Header{Name: entry.name, Mode: 0o777, Linkname: entry.link, Typeflag: tar.TypeSymlink}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if entry.link == "" {
			if _, err := tw.Write([]byte(entry.content)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}

	archivePath := filepath.Join(t.TempDir(), "archive.tar.gz")
	if err := os.WriteFile(archivePath, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	extractor, err := getExtractor(archivePath)
	if err != nil {
		t.Fatal(err)
	}

	bar := progressbar.NewOptions64(-1, progressbar.OptionSetVisibility(false))
	return extractor(f, bar, dest, Spec{})
}

func TestExtractTarRejectsEscapingSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need extra privileges on windows")
	}

	outside := t.TempDir()
	for name, entries := range map[string][]tarEntry{
		"absolute": {
			{name: "link", link: outside},
			{name: "link/evil.txt", content: "evil"},
		},
		"relative": {
			{name: "link", link: "../" + filepath.Base(outside)},
			{name: "link/evil.txt", content: "evil"},
		},
		"nested": {
			{name: "sub/link", link: "../../.."},
		},
	} {
		t.Run(name, func(t *testing.T) {
			dest := filepath.Join(filepath.Dir(outside), "dest-"+name)
			t.Cleanup(func() { os.RemoveAll(dest) })

			if err := extractEntries(t, dest, entries); err == nil {
				t.Error("expected the archive to be rejected")
			}
			if _, err := os.Stat(filepath.Join(outside, "evil.txt")); err == nil {
				t.Error("file was written outside of the destination")
			}
			if _, err := os.Lstat(filepath.Join(dest, "link")); err == nil {
				t.Error("escaping symlink was created")
			}
		})
	}
}

func TestExtractTarRefusesSymlinkParents(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need extra privileges on windows")
	}

	dest := t.TempDir()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(dest, "pre")); err != nil {
		t.Fatal(err)
	}

	err := extractEntries(t, dest, []tarEntry{{name: "pre/evil.txt", content: "evil"}})
	if err == nil {
		t.Error("expected writing through an existing symlink to fail")
	}
	if _, err = os.Stat(filepath.Join(outside, "evil.txt")); err == nil {
		t.Error("file was written outside of the destination")
	}
}

func TestExtractTarInternalSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need extra privileges on windows")
	}

	dest := t.TempDir()
	err := extractEntries(t, dest, []tarEntry{
		{name: "bin/tool-1.0", content: "tool"},
		{name: "bin/tool", link: "tool-1.0"},
		{name: "lib/tool", link: "../bin/tool-1.0"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := readFile(t, filepath.Join(dest, "bin", "tool")); got != "tool" {
		t.Errorf("bin/tool = %q", got)
	}
	if got := readFile(t, filepath.Join(dest, "lib", "tool")); got != "tool" {
		t.Errorf("lib/tool = %q", got)
	}
}

func TestCheckSymlink(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out")
	link := filepath.Join(dest, "a", "link")

	for target, ok := range map[string]bool{
		"b":           true,
		"../b":        true,
		"..":          true,
		"../..":       false,
		"../../x":     false,
		"/etc/passwd": false,
	} {
		err := checkSymlink(dest, link, target)
		if (err == nil) != ok {
			t.Errorf("checkSymlink(%q) = %v, want ok=%v", target, err, ok)
		}
	}
}
