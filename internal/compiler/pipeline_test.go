package compiler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/narvanalabs/texhub-worker/internal/logs"
	"github.com/narvanalabs/texhub-worker/internal/models"
)

type statusCall struct {
	Status models.JobStatus
	ID     int64
	Result models.CompileResult
}

// fakeLedger records status transitions starting from Queued.
type fakeLedger struct {
	mu     sync.Mutex
	calls  []statusCall
	events *eventLog
	err    error
}

func (l *fakeLedger) ReportStatus(_ context.Context, status models.JobStatus, id int64, result models.CompileResult) (bool, error) {
	l.mu.Lock()
	l.calls = append(l.calls, statusCall{status, id, result})
	l.mu.Unlock()
	if l.events != nil {
		l.events.add("report:" + status.String())
	}
	if l.err != nil {
		return false, l.err
	}
	return true, nil
}

func (l *fakeLedger) snapshot() []statusCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]statusCall(nil), l.calls...)
}

// statuses returns the status sequence for id, starting from Queued.
func (l *fakeLedger) statuses(id int64) []string {
	seq := []string{models.JobStatusQueued.String()}
	for _, c := range l.snapshot() {
		if c.ID == id {
			seq = append(seq, c.Status.String())
		}
	}
	return seq
}

type fakeDownloader struct {
	mu      sync.Mutex
	entries []zipEntry
	calls   int
	err     error
	t       testing.TB
}

func (d *fakeDownloader) DownloadProject(_ context.Context, projectID, version, dest string) (int64, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.err != nil {
		return 0, d.err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	writeZip(d.t, dest, d.entries)
	info, err := os.Stat(dest)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

type fakeUploader struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (u *fakeUploader) UploadOutput(_ context.Context, projectID, path string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paths = append(u.paths, path)
	return u.err
}

func (u *fakeUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.paths)
}

func e2eJob() *models.CompileJob {
	return &models.CompileJob{
		QueueID:          42,
		ProjectID:        "p1",
		SourceFilePath:   "main.tex",
		OutputPath:       "out",
		VersionTag:       "latest",
		LogFileName:      "compile.log",
		ProjectCreatedAt: 1700000000000,
		RequestedAt:      1700000000000,
	}
}

type pipelineFixture struct {
	base       string
	scratch    string
	ledger     *fakeLedger
	uploader   *fakeUploader
	downloader *fakeDownloader
	redis      *redis.Client
	mr         *miniredis.Miniredis
	pipeline   *Pipeline
}

func newPipelineFixture(t *testing.T, script string) *pipelineFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &pipelineFixture{
		base:     t.TempDir(),
		scratch:  t.TempDir(),
		ledger:   &fakeLedger{},
		uploader: &fakeUploader{},
		downloader: &fakeDownloader{
			t:       t,
			entries: []zipEntry{{name: "main.tex", body: "\\documentclass{article}\n"}},
		},
		redis: client,
		mr:    mr,
	}
	f.pipeline = NewPipeline(PipelineConfig{
		BaseDir:      f.base,
		Materializer: NewArchiveMaterializer(f.downloader, f.scratch, quietLogger()),
		Compiler:     NewExecutor(fakeCompiler(t, script), false, quietLogger()),
		Uploader:     f.uploader,
		Reporter:     f.ledger,
		Follower:     logs.NewFollower(client, logs.TailerOptions{PollInterval: 20 * time.Millisecond}, quietLogger()),
		DrainTimeout: 5 * time.Second,
		Logger:       quietLogger(),
	})
	return f
}

func (f *pipelineFixture) channelLines(t *testing.T, job *models.CompileJob) []string {
	t.Helper()
	entries, err := f.mr.Stream(logs.StreamKey(job.ProjectID, job.QueueID))
	if err != nil {
		t.Fatalf("reading log stream: %v", err)
	}
	var lines []string
	for _, e := range entries {
		// Values alternate field, value.
		if len(e.Values) == 2 && e.Values[0] == logs.MessageField {
			lines = append(lines, e.Values[1])
		}
	}
	return lines
}

func countSentinels(s string) int {
	n := 0
	for _, line := range strings.Split(s, "\n") {
		if logs.IsSentinel(line) {
			n++
		}
	}
	return n
}

func TestPipeline_EndToEndSuccess(t *testing.T) {
	f := newPipelineFixture(t, okScript)
	job := e2eJob()

	result := f.pipeline.Run(context.Background(), job)
	if result != models.CompileResultSuccess {
		t.Fatalf("Run() = %s, want success", result)
	}

	ws := ResolveWorkspace(f.base, job)
	if info, err := os.Stat(ws.Dir); err != nil || !info.IsDir() {
		t.Fatalf("compile directory %s not created: %v", ws.Dir, err)
	}
	if _, err := os.Stat(filepath.Join(ws.Dir, "main.tex")); err != nil {
		t.Fatalf("main.tex not extracted: %v", err)
	}

	log, err := os.ReadFile(ws.LogPath)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if !strings.Contains(string(log), "This is XeTeX") {
		t.Errorf("log missing compiler output:\n%s", log)
	}
	if !strings.HasSuffix(string(log), logs.Sentinel+"\n") || countSentinels(string(log)) != 1 {
		t.Errorf("log must end with exactly one end marker:\n%s", log)
	}

	calls := f.ledger.snapshot()
	if len(calls) != 1 || calls[0] != (statusCall{models.JobStatusCompiled, 42, models.CompileResultSuccess}) {
		t.Fatalf("status calls = %+v, want one Compiled/Success", calls)
	}

	if f.uploader.count() != 1 {
		t.Fatalf("uploads = %d, want 1", f.uploader.count())
	}
	if f.uploader.paths[0] != ws.ArtifactPath {
		t.Errorf("uploaded %s, want %s", f.uploader.paths[0], ws.ArtifactPath)
	}

	lines := f.channelLines(t, job)
	if len(lines) == 0 || lines[len(lines)-1] != logs.Sentinel {
		t.Errorf("log channel = %q, want it to end with the end marker", lines)
	}

	scratch, _ := os.ReadDir(f.scratch)
	if len(scratch) != 0 {
		t.Errorf("download scratch not cleaned up: %d entries", len(scratch))
	}
}

// unterminatedScript ends its output without a trailing newline.
const unterminatedScript = `#!/bin/sh
echo "This is XeTeX, Version 3.141592653"
stem=$(basename "$3" .tex)
printf '%%PDF-1.5 fake' > "$stem.pdf"
printf 'Output written on %s.pdf (1 page).' "$stem"
exit 0
`

func TestPipeline_UnterminatedOutputStillEndsLog(t *testing.T) {
	f := newPipelineFixture(t, unterminatedScript)
	job := e2eJob()

	start := time.Now()
	if result := f.pipeline.Run(context.Background(), job); result != models.CompileResultSuccess {
		t.Fatalf("Run() = %s, want success", result)
	}
	if elapsed := time.Since(start); elapsed >= 2*time.Second {
		t.Errorf("Run() took %s; the log follower should stop at the end marker", elapsed)
	}

	log, _ := os.ReadFile(ResolveWorkspace(f.base, job).LogPath)
	if !strings.HasSuffix(string(log), "(1 page).\n"+logs.Sentinel+"\n") || countSentinels(string(log)) != 1 {
		t.Errorf("end marker must sit on its own line:\n%q", log)
	}

	lines := f.channelLines(t, job)
	if len(lines) < 2 || lines[len(lines)-1] != logs.Sentinel || lines[len(lines)-2] != "Output written on main.pdf (1 page)." {
		t.Errorf("log channel = %q", lines)
	}
}

func TestPipeline_CompilerFailure(t *testing.T) {
	f := newPipelineFixture(t, failScript)
	job := e2eJob()

	if result := f.pipeline.Run(context.Background(), job); result != models.CompileResultFailure {
		t.Fatalf("Run() = %s, want failure", result)
	}

	calls := f.ledger.snapshot()
	if len(calls) != 1 || calls[0] != (statusCall{models.JobStatusCompiled, 42, models.CompileResultFailure}) {
		t.Fatalf("status calls = %+v, want one Compiled/Failure", calls)
	}
	if f.uploader.count() != 0 {
		t.Fatalf("uploads = %d, want 0", f.uploader.count())
	}

	log, _ := os.ReadFile(ResolveWorkspace(f.base, job).LogPath)
	for _, want := range []string{"==== COMPILATION FAILED ====", "Exit code: 1", "==== END COMPILATION ERROR ===="} {
		if !strings.Contains(string(log), want) {
			t.Errorf("log missing %q", want)
		}
	}
	if !strings.HasSuffix(string(log), logs.Sentinel+"\n") || countSentinels(string(log)) != 1 {
		t.Errorf("log must end with exactly one end marker:\n%s", log)
	}
}

func TestPipeline_DownloadFailure(t *testing.T) {
	f := newPipelineFixture(t, okScript)
	f.downloader.err = errors.New("502 bad gateway")
	job := e2eJob()

	if result := f.pipeline.Run(context.Background(), job); result != models.CompileResultFailure {
		t.Fatalf("Run() = %s, want failure", result)
	}
	calls := f.ledger.snapshot()
	if len(calls) != 1 || calls[0].Result != models.CompileResultFailure {
		t.Fatalf("status calls = %+v", calls)
	}

	log, _ := os.ReadFile(ResolveWorkspace(f.base, job).LogPath)
	if !strings.Contains(string(log), "502 bad gateway") {
		t.Errorf("log should explain the failure:\n%s", log)
	}
	if countSentinels(string(log)) != 1 {
		t.Errorf("log must carry one end marker:\n%s", log)
	}
}

func TestPipeline_UploadFailureKeepsSuccess(t *testing.T) {
	f := newPipelineFixture(t, okScript)
	f.uploader.err = errors.New("upload refused")

	if result := f.pipeline.Run(context.Background(), e2eJob()); result != models.CompileResultSuccess {
		t.Fatalf("Run() = %s, want success", result)
	}
	if calls := f.ledger.snapshot(); len(calls) != 1 || calls[0].Result != models.CompileResultSuccess {
		t.Fatalf("status calls = %+v", calls)
	}
}

func TestPipeline_ReportFailureStillFinalizesLog(t *testing.T) {
	f := newPipelineFixture(t, okScript)
	f.ledger.err = errors.New("ledger down")
	job := e2eJob()

	f.pipeline.Run(context.Background(), job)

	log, _ := os.ReadFile(ResolveWorkspace(f.base, job).LogPath)
	if countSentinels(string(log)) != 1 {
		t.Errorf("log must carry one end marker:\n%s", log)
	}
}

func TestPipeline_RerunTruncatesLog(t *testing.T) {
	f := newPipelineFixture(t, okScript)
	job := e2eJob()

	f.pipeline.Run(context.Background(), job)
	f.pipeline.Run(context.Background(), job)

	log, _ := os.ReadFile(ResolveWorkspace(f.base, job).LogPath)
	if countSentinels(string(log)) != 1 {
		t.Errorf("second run should start from an empty log:\n%s", log)
	}
	if n := strings.Count(string(log), "This is XeTeX"); n != 1 {
		t.Errorf("compiler banner appears %d times, want 1", n)
	}
}

func TestPipeline_RerunStartsFromEmptyWorkspace(t *testing.T) {
	f := newPipelineFixture(t, okScript)
	job := e2eJob()
	ws := ResolveWorkspace(f.base, job)

	f.downloader.entries = []zipEntry{
		{name: "main.tex", body: "\\documentclass{article}\n"},
		{name: "old.tex", body: "removed later\n"},
	}
	if result := f.pipeline.Run(context.Background(), job); result != models.CompileResultSuccess {
		t.Fatalf("first Run() = %s, want success", result)
	}
	if _, err := os.Stat(filepath.Join(ws.Dir, "old.tex")); err != nil {
		t.Fatalf("old.tex not extracted by the first run: %v", err)
	}

	// The second archive no longer has old.tex and the compiler fails, so no
	// PDF of its own is produced.
	f.downloader.entries = []zipEntry{{name: "main.tex", body: "\\documentclass{article}\n"}}
	f.pipeline.cfg.Compiler = NewExecutor(fakeCompiler(t, failScript), false, quietLogger())
	if result := f.pipeline.Run(context.Background(), job); result != models.CompileResultFailure {
		t.Fatalf("second Run() = %s, want failure", result)
	}

	for _, stale := range []string{
		filepath.Join(ws.Dir, "old.tex"),
		ws.OutputPath,
		ws.ArtifactPath,
	} {
		if _, err := os.Stat(stale); !os.IsNotExist(err) {
			t.Errorf("%s survived the rerun (err = %v)", stale, err)
		}
	}
	if _, err := os.Stat(filepath.Join(ws.Dir, "main.tex")); err != nil {
		t.Errorf("main.tex missing after rerun: %v", err)
	}
	if f.uploader.count() != 1 {
		t.Errorf("uploads = %d, want only the first run's", f.uploader.count())
	}
}

func TestSharedFSMaterializer(t *testing.T) {
	projectBase := t.TempDir()
	job := e2eJob()
	src := ShardDir(projectBase, job)
	if err := os.MkdirAll(filepath.Join(src, "chapters"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "main.tex"), []byte("main"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "chapters", "a.tex"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/etc/passwd", filepath.Join(src, "link")); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	m := NewSharedFSMaterializer(projectBase, quietLogger())
	if err := m.Materialize(context.Background(), job, dest); err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}

	if data, err := os.ReadFile(filepath.Join(dest, "chapters", "a.tex")); err != nil || string(data) != "a" {
		t.Errorf("chapters/a.tex = %q, %v", data, err)
	}
	if _, err := os.Lstat(filepath.Join(dest, "link")); !os.IsNotExist(err) {
		t.Error("symlinks should not be copied")
	}
}

func TestSharedFSMaterializer_MissingSource(t *testing.T) {
	m := NewSharedFSMaterializer(t.TempDir(), quietLogger())
	if err := m.Materialize(context.Background(), e2eJob(), t.TempDir()); err == nil {
		t.Fatal("expected error for a missing project source")
	}
}
