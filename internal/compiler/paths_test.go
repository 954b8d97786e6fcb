package compiler

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/texhub-worker/internal/models"
)

func TestResolveWorkspace(t *testing.T) {
	job := &models.CompileJob{
		QueueID:          42,
		ProjectID:        "p1",
		SourceFilePath:   "chapters/main.tex",
		LogFileName:      "compile.log",
		ProjectCreatedAt: 1700000000000, // 2023-11-14T22:13:20Z
	}

	ws := ResolveWorkspace("/data/compile", job)

	if want := filepath.FromSlash("/data/compile/2023/11/p1"); ws.Dir != want {
		t.Errorf("Dir = %q, want %q", ws.Dir, want)
	}
	if want := filepath.FromSlash("/data/compile/2023/11/p1/compile.log"); ws.LogPath != want {
		t.Errorf("LogPath = %q, want %q", ws.LogPath, want)
	}
	if want := filepath.FromSlash("/data/compile/2023/11/p1/main.pdf"); ws.OutputPath != want {
		t.Errorf("OutputPath = %q, want %q", ws.OutputPath, want)
	}
	if want := filepath.FromSlash("/data/compile/2023/11/p1/app-compile-output/main.pdf"); ws.ArtifactPath != want {
		t.Errorf("ArtifactPath = %q, want %q", ws.ArtifactPath, want)
	}
}

// **Feature: texhub-worker, Property: compile directories are sharded by creation month**
// For any project id and creation time, the compile directory is
// <base>/<YYYY>/<MM>/<project_id> and stays under base.
func TestShardDirProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("shard dir is base/YYYY/MM/project", prop.ForAll(
		func(projectID string, createdMs int64) bool {
			job := &models.CompileJob{ProjectID: projectID, ProjectCreatedAt: createdMs}
			dir := ShardDir("/base", job)

			rel, err := filepath.Rel("/base", dir)
			if err != nil {
				return false
			}
			parts := strings.Split(filepath.ToSlash(rel), "/")
			if len(parts) != 3 {
				return false
			}
			created := job.CreatedTime()
			return parts[0] == created.Format("2006") &&
				parts[1] == created.Format("01") &&
				parts[2] == projectID
		},
		gen.Identifier(),
		gen.Int64Range(0, 4102444800000),
	))

	properties.TestingRun(t)
}
