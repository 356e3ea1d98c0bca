package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jo-hoe/subtitler/internal/artifacts"
	"github.com/jo-hoe/subtitler/internal/config"
	"github.com/jo-hoe/subtitler/internal/jobs"
	"github.com/jo-hoe/subtitler/internal/subtitle"
	"github.com/jo-hoe/subtitler/internal/transcriber"
	"github.com/jo-hoe/subtitler/internal/transcriber/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{StorageDir: t.TempDir()},
		Worker: config.WorkerConfig{TimeLimit: time.Minute},
		Retention: config.RetentionConfig{
			Input:  time.Hour,
			Output: time.Hour,
			Record: time.Hour,
		},
	}
}

func newJob(t *testing.T, cfg *config.Config, store jobs.Store, id string, kinds ...jobs.OutputKind) *jobs.Job {
	t.Helper()
	inputPath := filepath.Join(cfg.Server.StorageDir, id+".mp4")
	if err := os.WriteFile(inputPath, []byte("fake media bytes"), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	job := &jobs.Job{
		ID:               id,
		State:            jobs.StateQueued,
		RequestedOutputs: kinds,
		OriginalName:     "talk.mp4",
		InputPath:        inputPath,
		CreatedAt:        time.Now().UTC(),
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	claimed, err := store.ClaimNext(context.Background(), time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext: %v, %v", claimed, err)
	}
	return claimed
}

func newWorker(t *testing.T, cfg *config.Config, store jobs.Store, tr transcriber.Transcriber) *Worker {
	t.Helper()
	reaper := artifacts.NewReaper(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	reaper.Start(ctx)
	t.Cleanup(func() {
		cancel()
		reaper.Wait()
	})
	return New(testLogger(), cfg, store, tr, reaper)
}

func newStore(t *testing.T) jobs.Store {
	t.Helper()
	store, err := jobs.NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestWorker_ProcessSuccess(t *testing.T) {
	cfg := testConfig(t)
	store := newStore(t)
	tr := mock.New(config.MockSettings{Delay: 0, Segments: 2})
	w := newWorker(t, cfg, store, tr)

	job := newJob(t, cfg, store, "job-1", jobs.OutputTranscript, jobs.OutputTranslation)
	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != jobs.StateSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", got.State, got.ErrorDetail)
	}
	// prepare + two outputs + finalize
	if got.Step != 4 {
		t.Fatalf("expected final step 4, got %d", got.Step)
	}
	if got.ExpiresAt == nil {
		t.Fatalf("terminal record should carry an expiry")
	}
	for _, kind := range []jobs.OutputKind{jobs.OutputTranscript, jobs.OutputTranslation} {
		path, ok := got.Artifacts[kind]
		if !ok {
			t.Fatalf("missing %s artifact: %v", kind, got.Artifacts)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s artifact: %v", kind, err)
		}
		if !strings.HasPrefix(string(data), "1\n") {
			t.Fatalf("%s artifact is not SRT: %q", kind, string(data))
		}
	}
}

func TestWorker_ProcessCancelledBeforeStart(t *testing.T) {
	cfg := testConfig(t)
	store := newStore(t)
	w := newWorker(t, cfg, store, mock.New(config.MockSettings{}))

	job := newJob(t, cfg, store, "job-1", jobs.OutputTranscript)
	if err := store.RequestCancel(context.Background(), job.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}

	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != jobs.StateCancelled || got.Step != jobs.StepTerminalFailure {
		t.Fatalf("expected cancelled/-1, got %s/%d", got.State, got.Step)
	}
	if len(got.Artifacts) != 0 {
		t.Fatalf("no artifacts expected, got %v", got.Artifacts)
	}
	// Acknowledging the cancellation consumes the marker.
	if marked, err := store.CancelRequested(context.Background(), job.ID); err != nil || marked {
		t.Fatalf("marker should be consumed, got %v, %v", marked, err)
	}
}

func TestWorker_ProcessCancelledMidPipeline(t *testing.T) {
	cfg := testConfig(t)
	store := newStore(t)
	tr := mock.New(config.MockSettings{Delay: 0, Segments: 1})
	// Raise the flag while the first output stage is running; the checkpoint
	// before the second output must observe it.
	tr.Hook = func(string, transcriber.Mode) {
		_ = store.RequestCancel(context.Background(), "job-1")
	}
	w := newWorker(t, cfg, store, tr)

	job := newJob(t, cfg, store, "job-1", jobs.OutputTranscript, jobs.OutputTranslation)
	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != jobs.StateCancelled {
		t.Fatalf("expected cancelled, got %s", got.State)
	}
	// The first stage had already completed; its artifact stays recorded.
	if _, ok := got.Artifacts[jobs.OutputTranscript]; !ok {
		t.Fatalf("transcript artifact from the completed stage lost: %v", got.Artifacts)
	}
	if _, ok := got.Artifacts[jobs.OutputTranslation]; ok {
		t.Fatalf("translation stage must not have run")
	}
}

type failingTranscriber struct {
	err error
}

func (f *failingTranscriber) Transcribe(ctx context.Context, mediaPath string, mode transcriber.Mode) ([]subtitle.Segment, error) {
	return nil, f.err
}

func TestWorker_ProcessStageFailure(t *testing.T) {
	cfg := testConfig(t)
	store := newStore(t)
	w := newWorker(t, cfg, store, &failingTranscriber{err: errors.New("unreadable stream")})

	job := newJob(t, cfg, store, "job-1", jobs.OutputTranscript)
	if err := w.Process(context.Background(), job); err == nil {
		t.Fatalf("expected a processing error")
	}

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != jobs.StateFailed || got.Step != jobs.StepTerminalFailure {
		t.Fatalf("expected failed/-1, got %s/%d", got.State, got.Step)
	}
	if got.ErrorKind != jobs.ErrKindDecode {
		t.Fatalf("expected decode error kind, got %q", got.ErrorKind)
	}
	if !strings.Contains(got.ErrorDetail, "unreadable stream") {
		t.Fatalf("detail mismatch: %q", got.ErrorDetail)
	}
}

func TestWorker_TimeLimitBecomesTimeoutFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Worker.TimeLimit = time.Minute
	store := newStore(t)
	w := newWorker(t, cfg, store, &failingTranscriber{err: context.DeadlineExceeded})

	job := newJob(t, cfg, store, "job-1", jobs.OutputTranscript)
	if err := w.Process(context.Background(), job); err == nil {
		t.Fatalf("expected an error")
	}

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != jobs.StateFailed || got.ErrorKind != jobs.ErrKindTimeout {
		t.Fatalf("expected failed/timeout, got %s/%q", got.State, got.ErrorKind)
	}
}

func TestWorker_StaleMarkerClearedAfterTerminalWrite(t *testing.T) {
	cfg := testConfig(t)
	store := newStore(t)
	w := newWorker(t, cfg, store, mock.New(config.MockSettings{}))

	job := newJob(t, cfg, store, "job-1", jobs.OutputTranscript)

	// A marker raised after the last checkpoint loses the race to the
	// worker's own terminal write; it is stale and gets cleared.
	if err := store.RequestCancel(context.Background(), job.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	w.finishWithError(context.Background(), job.ID, jobs.ErrKindInternal, "boom")

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != jobs.StateFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
	if marked, err := store.CancelRequested(context.Background(), job.ID); err != nil || marked {
		t.Fatalf("stale marker should be cleared, got %v, %v", marked, err)
	}
}

func TestWorker_CheckpointWinsOverLateResult(t *testing.T) {
	cfg := testConfig(t)
	store := newStore(t)
	tr := mock.New(config.MockSettings{Delay: 0, Segments: 1})
	// Cancel arrives while the only output stage runs: the forced terminal
	// write lands first and the worker's success write must be skipped.
	tr.Hook = func(string, transcriber.Mode) {
		_ = store.RequestCancel(context.Background(), "job-1")
		_, _ = store.MarkCancelled(context.Background(), "job-1", time.Now().UTC().Add(time.Hour))
	}
	w := newWorker(t, cfg, store, tr)

	job := newJob(t, cfg, store, "job-1", jobs.OutputTranscript)
	if err := w.Process(context.Background(), job); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, err := store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != jobs.StateCancelled {
		t.Fatalf("cancelled record was overwritten: %s", got.State)
	}
}
