package deps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"

	"github.com/technoculture/openoligo-tools/pkg"
)

// Fetcher downloads and extracts the archives listed in DEPS.yml.
type Fetcher struct {
	ProjectRoot string
	Client      *http.Client
	// Update records the actual checksums instead of failing on mismatches. It also downloads
	// dependencies that don't apply to the current platform so their checksums are updated.
	Update bool
	// Quiet hides the progress bars.
	Quiet bool
}

// NewFetcher returns a Fetcher with a generous download timeout. Progress bars are hidden on CI.
func NewFetcher(projectRoot string) *Fetcher {
	return &Fetcher{
		ProjectRoot: projectRoot,
		Client:      &http.Client{Timeout: 30 * time.Minute},
		Quiet:       os.Getenv("CI") == "true",
	}
}

func (f *Fetcher) progressBar(length int64, desc string) *progressbar.ProgressBar {
	if f.Quiet {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

// Fetch processes every dependency in cfg. Unchanged dependencies (same URL and checksum,
// destination present) are skipped. stamps is updated in place; the returned map holds the new
// checksums if Update is set.
func (f *Fetcher) Fetch(ctx context.Context, cfg Config, stamps map[string]string) (map[string]string, error) {
	vars := Vars(cfg)
	changes := map[string]string{}

	names := make([]string, 0, len(cfg.Deps))
	for name := range cfg.Deps {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return changes, err
		}

		meta := cfg.Deps[name]
		// conditions are evaluated even when updating because they also substitute the URL
		applies := EvalConditions(&meta, vars)
		if !applies && !f.Update {
			continue
		}

		destPath := filepath.Join(f.ProjectRoot, meta.Dest)
		_, err := os.Stat(destPath)
		destExists := err == nil

		stampToken := meta.URL + "#" + meta.Sha256
		if stamp, ok := stamps[name]; ok && stampToken == stamp && destExists {
			continue
		}

		pkg.PrintSubtask(name + ":  " + meta.URL)
		if meta.Sha256 == "" && !f.Update {
			return changes, eris.Errorf("dependency %s doesn't have a checksum", name)
		}

		digest, err := f.fetchOne(ctx, name, meta, applies, destExists)
		if err != nil {
			return changes, err
		}

		if digest != meta.Sha256 {
			changes[name] = digest
		}

		if applies {
			stamps[name] = meta.URL + "#" + digest
		}
	}

	return changes, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, name string, meta Spec, extract, destExists bool) (string, error) {
	arHandle, err := os.CreateTemp("", "oligo-deps-*.tmp")
	if err != nil {
		return "", eris.Wrap(err, "failed to create temporary download file")
	}
	defer func() {
		arHandle.Close()
		os.Remove(arHandle.Name())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return "", eris.Wrapf(err, "invalid URL %s", meta.URL)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return "", eris.Wrapf(err, "failed to start download for %s", meta.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("download of %s failed with status %s", meta.URL, resp.Status)
	}

	hash := sha256.New()
	bar := f.progressBar(resp.ContentLength, "     download")
	_, err = io.Copy(io.MultiWriter(arHandle, hash, bar), resp.Body)
	if err != nil {
		return "", eris.Wrapf(err, "failed during download of %s", meta.URL)
	}
	bar.Finish()

	digest := hex.EncodeToString(hash.Sum(nil))
	if digest != meta.Sha256 {
		if !f.Update {
			return "", eris.Errorf("checksum check failed for %s: expected %s, got %s", name, meta.Sha256, digest)
		}
		pkg.PrintSubtask("updating checksum")
	}

	if !extract {
		return digest, nil
	}

	destPath := filepath.Join(f.ProjectRoot, meta.Dest)
	if destExists {
		pkg.PrintSubtask("remove " + destPath)
		if err = os.RemoveAll(destPath); err != nil {
			return "", eris.Wrapf(err, "failed to remove %s", destPath)
		}
	}

	extractor, err := getExtractor(meta.URL)
	if err != nil {
		return "", err
	}

	if _, err = arHandle.Seek(0, io.SeekStart); err != nil {
		return "", eris.Wrap(err, "failed to rewind download")
	}

	info, err := arHandle.Stat()
	if err != nil {
		return "", eris.Wrap(err, "failed to stat download")
	}

	bar = f.progressBar(info.Size(), "      extract")
	if err = extractor(arHandle, bar, destPath, meta); err != nil {
		return "", eris.Wrapf(err, "failed to extract %s", name)
	}
	bar.Finish()

	if runtime.GOOS != "windows" {
		// .zip files don't carry permissions so binaries have to be marked explicitly
		for _, binPath := range meta.MarkExec {
			binPath = filepath.Join(destPath, binPath)
			fi, err := os.Stat(binPath)
			if err != nil {
				return "", eris.Wrapf(err, "failed to read permissions for %s", binPath)
			}

			if err = os.Chmod(binPath, fi.Mode()|0o700); err != nil {
				return "", eris.Wrapf(err, "failed to mark %s as executable", binPath)
			}
		}
	}

	return digest, nil
}
