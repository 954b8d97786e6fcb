package compiler

import (
	"fmt"
	"path/filepath"

	"github.com/narvanalabs/texhub-worker/internal/models"
)

// OutputDirName is the directory inside a compile workspace that holds the
// stable copy of the compiled PDF.
const OutputDirName = "app-compile-output"

// ShardDir returns the time-sharded directory for a project under base:
// <base>/<YYYY>/<MM>/<project_id>, with year and month taken from the
// project creation time in UTC.
func ShardDir(base string, job *models.CompileJob) string {
	t := job.CreatedTime()
	return filepath.Join(base,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		job.ProjectID,
	)
}

// Workspace holds the resolved paths of one compile job.
type Workspace struct {
	// Dir is the compile directory; the compiler runs here.
	Dir string
	// LogPath is the compile log file inside Dir.
	LogPath string
	// OutputPath is where the compiler writes the PDF.
	OutputPath string
	// ArtifactPath is the stable copy of the PDF that gets uploaded.
	ArtifactPath string
}

// ResolveWorkspace computes the workspace paths of job under base.
func ResolveWorkspace(base string, job *models.CompileJob) Workspace {
	dir := ShardDir(base, job)
	return Workspace{
		Dir:          dir,
		LogPath:      filepath.Join(dir, job.LogFileName),
		OutputPath:   filepath.Join(dir, job.ArtifactName()),
		ArtifactPath: filepath.Join(dir, OutputDirName, job.ArtifactName()),
	}
}
