package deps

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
)

type archiveExtractor func(f *os.File, bar *progressbar.ProgressBar, destPath string, ds Spec) error

// entryDest maps an archive entry to its destination below destPath after stripping ds.Strip
// leading elements. It returns an empty path for entries that are stripped away entirely.
func entryDest(destPath, item string, ds Spec) (string, error) {
	pathParts := strings.Split(filepath.Clean(filepath.FromSlash(item)), string(filepath.Separator))
	if ds.Strip >= len(pathParts) {
		return "", nil
	}

	dest := filepath.Join(destPath, filepath.Join(pathParts[ds.Strip:]...))
	if dest == destPath {
		return "", nil
	}

	if !strings.HasPrefix(dest, filepath.Clean(destPath)+string(filepath.Separator)) {
		return "", eris.Errorf("archive entry %s points outside of %s", item, destPath)
	}
	return dest, nil
}

// checkParents refuses to write dest if any existing directory between destPath and dest is a
// symlink. Archives may create links that later entries would otherwise be written through.
func checkParents(destPath, dest string) error {
	rel, err := filepath.Rel(destPath, filepath.Dir(dest))
	if err != nil {
		return eris.Wrapf(err, "failed to resolve %s", dest)
	}
	if rel == "." {
		return nil
	}

	current := destPath
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				return nil
			}
			return eris.Wrapf(err, "failed to inspect %s", current)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return eris.Errorf("refusing to write %s through symlink %s", dest, current)
		}
	}
	return nil
}

// checkSymlink rejects link targets that are absolute or resolve outside of destPath.
func checkSymlink(destPath, dest, target string) error {
	if filepath.IsAbs(target) || filepath.VolumeName(target) != "" {
		return eris.Errorf("symlink %s points to absolute path %s", dest, target)
	}

	root := filepath.Clean(destPath)
	resolved := filepath.Join(filepath.Dir(dest), filepath.FromSlash(target))
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return eris.Errorf("symlink %s points outside of %s", dest, destPath)
	}
	return nil
}

// replaceLink removes dest if it's a symlink so that the new entry doesn't follow it.
func replaceLink(dest string) error {
	info, err := os.Lstat(dest)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return nil
		}
		return eris.Wrapf(err, "failed to inspect %s", dest)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		if err = os.Remove(dest); err != nil {
			return eris.Wrapf(err, "failed to replace %s", dest)
		}
	}
	return nil
}

func createDest(destPath, dest string, mode os.FileMode) (*os.File, error) {
	if err := checkParents(destPath, dest); err != nil {
		return nil, err
	}

	destParent := filepath.Dir(dest)
	if err := os.MkdirAll(destParent, 0o770); err != nil {
		return nil, eris.Wrapf(err, "failed to create directory %s", destParent)
	}
	if err := replaceLink(dest); err != nil {
		return nil, err
	}

	destHandle, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create file %s", dest)
	}
	return destHandle, nil
}

// trackingCopy copies r into dest and moves bar to the archive's read position after every
// chunk.
func trackingCopy(dest io.Writer, r io.Reader, archive *os.File, bar *progressbar.ProgressBar, name string) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, wErr := dest.Write(buf[:n]); wErr != nil {
				return eris.Wrapf(wErr, "failed to write extracted file %s", name)
			}

			if pos, sErr := archive.Seek(0, io.SeekCurrent); sErr == nil {
				bar.Set64(pos)
			}
		}

		if err == io.EOF {
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "failed to read archive entry %s", name)
		}
	}
}

func getExtractor(url string) (archiveExtractor, error) {
	switch {
	case strings.HasSuffix(url, ".zip"):
		return extractZip, nil
	case strings.HasSuffix(url, ".tar.gz"), strings.HasSuffix(url, ".tgz"):
		return func(f *os.File, bar *progressbar.ProgressBar, destPath string, ds Spec) error {
			reader, err := gzip.NewReader(f)
			if err != nil {
				return eris.Wrap(err, "failed to open gzip stream")
			}
			defer reader.Close()

			return extractTar(reader, f, bar, destPath, ds)
		}, nil
	case strings.HasSuffix(url, ".tar.bz2"):
		return func(f *os.File, bar *progressbar.ProgressBar, destPath string, ds Spec) error {
			return extractTar(bzip2.NewReader(f), f, bar, destPath, ds)
		}, nil
	case strings.HasSuffix(url, ".tar.xz"):
		return func(f *os.File, bar *progressbar.ProgressBar, destPath string, ds Spec) error {
			reader, err := xz.NewReader(f)
			if err != nil {
				return eris.Wrap(err, "failed to open xz stream")
			}

			return extractTar(reader, f, bar, destPath, ds)
		}, nil
	}

	return nil, eris.Errorf("archive format of %s not supported", url)
}

func extractZip(f *os.File, bar *progressbar.ProgressBar, destPath string, ds Spec) error {
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	archive, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return eris.Wrap(err, "failed to open zip archive")
	}

	for _, item := range archive.File {
		if strings.HasSuffix(item.Name, "/") {
			continue
		}

		dest, err := entryDest(destPath, item.Name, ds)
		if err != nil {
			return err
		}
		if dest == "" {
			continue
		}

		err = func() error {
			destHandle, err := createDest(destPath, dest, item.Mode().Perm()|0o600)
			if err != nil {
				return err
			}
			defer destHandle.Close()

			itemHandle, err := item.Open()
			if err != nil {
				return eris.Wrapf(err, "failed to open archive entry %s", item.Name)
			}
			defer itemHandle.Close()

			if err = trackingCopy(destHandle, itemHandle, f, bar, item.Name); err != nil {
				return err
			}
			return destHandle.Close()
		}()
		if err != nil {
			return err
		}
	}

	return nil
}

func extractTar(r io.Reader, f *os.File, bar *progressbar.ProgressBar, destPath string, ds Spec) error {
	archive := tar.NewReader(r)

	for {
		item, err := archive.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "failed to read archive entry")
		}

		fi := item.FileInfo()
		if fi.IsDir() {
			continue
		}

		dest, err := entryDest(destPath, item.Name, ds)
		if err != nil {
			return err
		}
		if dest == "" {
			continue
		}

		if item.Typeflag == tar.TypeSymlink {
			if err = checkSymlink(destPath, dest, item.Linkname); err != nil {
				return err
			}
			if err = checkParents(destPath, dest); err != nil {
				return err
			}
			if err = os.MkdirAll(filepath.Dir(dest), 0o770); err != nil {
				return eris.Wrapf(err, "failed to create directory for %s", dest)
			}
			if err = os.Remove(dest); err != nil && !eris.Is(err, os.ErrNotExist) {
				return eris.Wrapf(err, "failed to replace %s", dest)
			}
			if err = os.Symlink(item.Linkname, dest); err != nil {
				return eris.Wrapf(err, "failed to create symlink %s pointing to %s", dest, item.Linkname)
			}
			continue
		}

		if item.Typeflag != tar.TypeReg && item.Typeflag != tar.TypeRegA {
			continue
		}

		destHandle, err := createDest(destPath, dest, fi.Mode().Perm()|0o600)
		if err != nil {
			return err
		}

		err = trackingCopy(destHandle, archive, f, bar, item.Name)
		cErr := destHandle.Close()
		if err != nil {
			return err
		}
		if cErr != nil {
			return eris.Wrapf(cErr, "failed to close %s", dest)
		}
	}
}
