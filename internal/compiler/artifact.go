package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/narvanalabs/texhub-worker/internal/models"
)

// Uploader sends compiled output to the project service. *texhub.Client
// satisfies it.
type Uploader interface {
	UploadOutput(ctx context.Context, projectID, path string) error
}

// publishArtifact copies the compiled PDF to its stable path and uploads it.
// Both halves are best effort: failures are logged and never change the
// outcome of the compile.
func publishArtifact(ctx context.Context, uploader Uploader, job *models.CompileJob, ws Workspace, logger *slog.Logger) {
	if err := copyFile(ws.OutputPath, ws.ArtifactPath); err != nil {
		logger.Error("copying compiled output failed",
			"error", (&StepError{Step: StepArtifact, QueueID: job.QueueID, Path: ws.OutputPath, Err: err}).Error(),
		)
		return
	}

	size := ""
	if n, err := fileSize(ws.ArtifactPath); err == nil {
		size = humanize.Bytes(uint64(n))
	}
	logger.Info("compiled output ready", "path", ws.ArtifactPath, "size", size)

	if uploader == nil {
		return
	}
	if err := uploader.UploadOutput(ctx, job.ProjectID, ws.ArtifactPath); err != nil {
		logger.Error("uploading compiled output failed", "path", ws.ArtifactPath, "error", err)
	}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Size(), nil
}
