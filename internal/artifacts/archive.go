package artifacts

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// archiveExtensions maps recognized archive suffixes to their extractors.
var archiveExtensions = []string{".tar.gz", ".tgz", ".tar.zst", ".zip"}

// isArchive reports whether name looks like a supported archive.
func isArchive(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// normalizeArchives finds archives directly under dir, extracts each in
// place, hoists away a lone top-level directory, and deletes the archive
// file. Checkpoints are often shipped as <run>.tar.gz containing a single
// wrapping directory; after this the payload sits at dir's root.
func normalizeArchives(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.IsDir() || !isArchive(e.Name()) {
			continue
		}
		archivePath := filepath.Join(dir, e.Name())
		if err := extractArchive(archivePath, dir); err != nil {
			return fmt.Errorf("extracting %s: %w", e.Name(), err)
		}
		if err := os.Remove(archivePath); err != nil {
			return fmt.Errorf("removing extracted archive: %w", err)
		}
	}

	return hoistSingleDir(dir)
}

// extractArchive unpacks archivePath into destDir.
func extractArchive(archivePath, destDir string) error {
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(archivePath, destDir)
	case strings.HasSuffix(lower, ".tar.zst"):
		return extractTar(archivePath, destDir, newZstdReader)
	default:
		return extractTar(archivePath, destDir, newGzipReader)
	}
}

func newGzipReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

func newZstdReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr.IOReadCloser(), nil
}

func extractTar(archivePath, destDir string, decompress func(io.Reader) (io.ReadCloser, error)) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	dr, err := decompress(f)
	if err != nil {
		return err
	}
	defer dr.Close() //nolint:errcheck

	tr := tar.NewReader(dr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := securePath(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		default:
			// Symlinks and specials are skipped: a checkpoint tree is plain
			// files and directories.
		}
	}
}

func extractZip(archivePath, destDir string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer zr.Close() //nolint:errcheck

	for _, f := range zr.File {
		target, err := securePath(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeEntry(target, rc, f.Mode())
		rc.Close() //nolint:errcheck
		if err != nil {
			return err
		}
	}
	return nil
}

// securePath joins name under root, rejecting traversal entries.
func securePath(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes destination", name)
	}
	return target, nil
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close() //nolint:errcheck
		return err
	}
	return out.Close()
}

// hoistSingleDir moves the contents of a lone top-level directory up to dir,
// removing the extra nesting level archives usually add. With multiple
// top-level entries there is nothing to hoist.
func hoistSingleDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}

	inner := filepath.Join(dir, entries[0].Name())
	children, err := os.ReadDir(inner)
	if err != nil {
		return err
	}
	for _, c := range children {
		src := filepath.Join(inner, c.Name())
		dst := filepath.Join(dir, c.Name())
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("hoisting %s: %w", c.Name(), err)
		}
	}
	return os.Remove(inner)
}
