package compiler

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/narvanalabs/texhub-worker/internal/models"
)

// Materializer populates a compile directory with a job's project sources.
type Materializer interface {
	Materialize(ctx context.Context, job *models.CompileJob, dir string) error
}

// Downloader fetches project archives. *texhub.Client satisfies it.
type Downloader interface {
	DownloadProject(ctx context.Context, projectID, version, dest string) (int64, error)
}

// ArchiveMaterializer downloads the project as a zip archive and extracts it.
type ArchiveMaterializer struct {
	downloader Downloader
	scratchDir string
	logger     *slog.Logger
}

// NewArchiveMaterializer creates a materializer that keeps downloads under
// scratchDir until they are extracted.
func NewArchiveMaterializer(downloader Downloader, scratchDir string, logger *slog.Logger) *ArchiveMaterializer {
	if logger == nil {
		logger = slog.Default()
	}
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &ArchiveMaterializer{
		downloader: downloader,
		scratchDir: scratchDir,
		logger:     logger,
	}
}

// Materialize implements Materializer. The downloaded archive is removed
// afterwards whether or not extraction succeeded.
func (m *ArchiveMaterializer) Materialize(ctx context.Context, job *models.CompileJob, dir string) error {
	scratch := filepath.Join(m.scratchDir, fmt.Sprintf("texhub_downloads_%s_%s", job.ProjectID, uuid.NewString()[:8]))
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			m.logger.Warn("removing download scratch directory failed", "path", scratch, "error", err)
		}
	}()

	archive := filepath.Join(scratch, job.ProjectID+".zip")
	if _, err := m.downloader.DownloadProject(ctx, job.ProjectID, job.Version(), archive); err != nil {
		return err
	}

	result, err := ExtractArchive(archive, dir, m.logger)
	if err != nil {
		return err
	}

	m.logger.Info("project archive extracted",
		"project_id", job.ProjectID,
		"compile_dir", dir,
		"files", result.Files,
		"dirs", result.Dirs,
		"skipped", len(result.Skipped),
		"failed", len(result.Failed),
	)
	return nil
}

// SharedFSMaterializer copies the project from a shared filesystem laid out
// with the same time shards as the compile directories.
type SharedFSMaterializer struct {
	projectBase string
	logger      *slog.Logger
}

// NewSharedFSMaterializer creates a materializer reading from projectBase.
func NewSharedFSMaterializer(projectBase string, logger *slog.Logger) *SharedFSMaterializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SharedFSMaterializer{projectBase: projectBase, logger: logger}
}

// Materialize implements Materializer.
func (m *SharedFSMaterializer) Materialize(ctx context.Context, job *models.CompileJob, dir string) error {
	src := ShardDir(m.projectBase, job)
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("project source %s: %w", src, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project source %s is not a directory", src)
	}

	copied := 0
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dir, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			m.logger.Debug("skipping symlink in project source", "path", p)
			return nil
		case d.Type().IsRegular():
			if err := copyFile(p, target); err != nil {
				return err
			}
			copied++
			return nil
		default:
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("copying project %s to %s: %w", src, dir, err)
	}

	m.logger.Info("project copied from shared filesystem",
		"project_id", job.ProjectID,
		"source", src,
		"compile_dir", dir,
		"files", copied,
	)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
