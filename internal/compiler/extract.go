package compiler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ErrUnsafePath is returned by SafeJoin for names that resolve outside the
// extraction root.
var ErrUnsafePath = errors.New("path escapes extraction root")

// ExtractResult summarizes an archive extraction.
type ExtractResult struct {
	Files   int
	Dirs    int
	Skipped []string
	Failed  []string
}

// SafeJoin resolves an archive entry name against root. Names that are
// absolute or that climb out of root after normalization are rejected.
func SafeJoin(root, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || path.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}

	cleaned := path.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}

	target := filepath.Join(root, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return target, nil
}

// ExtractArchive unpacks the zip archive at archivePath into destDir.
//
// Entries that would land outside destDir, and symlink entries, are skipped
// with a warning. Failures on individual entries are logged and recorded in
// the result. Only failing to create destDir or to open the archive is
// returned as an error.
func ExtractArchive(archivePath, destDir string, logger *slog.Logger) (*ExtractResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating extraction directory %s: %w", destDir, err)
	}
	root, err := filepath.Abs(destDir)
	if err != nil {
		return nil, fmt.Errorf("resolving extraction directory %s: %w", destDir, err)
	}

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", archivePath, err)
	}
	defer r.Close()

	result := &ExtractResult{}
	for _, f := range r.File {
		target, err := SafeJoin(root, f.Name)
		if err != nil {
			logger.Warn("skipping archive entry outside compile directory", "entry", f.Name)
			result.Skipped = append(result.Skipped, f.Name)
			continue
		}

		mode := f.Mode()
		switch {
		case mode.IsDir() || strings.HasSuffix(f.Name, "/"):
			if err := os.MkdirAll(target, 0o755); err != nil {
				logger.Error("creating directory from archive failed", "entry", f.Name, "error", err)
				result.Failed = append(result.Failed, f.Name)
				continue
			}
			result.Dirs++
		case mode&os.ModeSymlink != 0:
			logger.Warn("skipping symlink archive entry", "entry", f.Name)
			result.Skipped = append(result.Skipped, f.Name)
		default:
			if err := extractFile(f, target); err != nil {
				logger.Error("extracting archive entry failed", "entry", f.Name, "error", err)
				result.Failed = append(result.Failed, f.Name)
				continue
			}
			result.Files++
		}
	}

	return result, nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o644
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
